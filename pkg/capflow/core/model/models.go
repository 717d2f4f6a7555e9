// Package model defines the persistent and in-memory entities of the
// capture-file distribution core.
package model

import (
	"time"
)

// FileItem is one inbound capture-file reference as submitted by the
// ingestion API, before hashing and window classification.
type FileItem struct {
	SourceID       int       `json:"sourceId"`
	FilePath       string    `json:"filePath"`
	CaptureTime    time.Time `json:"captureTime"`
	DataType       string    `json:"dataType"`
	SubFileName    string    `json:"subFileName"`
	HeaderOffset   int       `json:"headerOffset"`
	CompressedSize int       `json:"compressedSize"`
	RawSize        int       `json:"rawSize"`
	Flags          int       `json:"flags"`
	DeviceID       string    `json:"deviceId"`
}

// FileRecord is one physical file reference persisted in the day-partitioned
// capture_file_list table. ContentHash together with CaptureTime forms the
// primary key; the hash alone is the natural key used for idempotent upserts
// and status updates, while CaptureTime keys the row into its partition.
type FileRecord struct {
	ContentHash    string    `gorm:"column:content_hash;primaryKey;size:128"`
	CaptureTime    time.Time `gorm:"column:capture_time;primaryKey"`
	SourceID       int       `gorm:"column:source_id"`
	FilePath       string    `gorm:"column:file_path;size:255"`
	DataType       string    `gorm:"column:data_type;size:64"`
	SubFileName    string    `gorm:"column:sub_file_name;size:255"`
	HeaderOffset   int       `gorm:"column:header_offset"`
	CompressedSize int       `gorm:"column:compressed_size"`
	RawSize        int       `gorm:"column:raw_size"`
	Flags          int       `gorm:"column:flags"`
	DeviceID       string    `gorm:"column:device_id;size:16"`
	// Relevant is 0 while the file awaits a matching window and 1 once it
	// has been queued. Worker callbacks may later report extended status
	// values through the same column.
	Relevant  int       `gorm:"column:relevant"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements the GORM table naming convention.
func (FileRecord) TableName() string { return "capture_file_list" }

// ProcessingTask is a declared unit of work covering a data type and time
// window. Its per-device children are DeviceTask rows.
type ProcessingTask struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;size:128"`
	DataType  string    `gorm:"column:data_type;size:64"`
	StartTime time.Time `gorm:"column:start_time"`
	EndTime   time.Time `gorm:"column:end_time"`
	Remark    string    `gorm:"column:remark;size:255"`
	// Status is 0 while the task is open and 1 once closed.
	Status    int       `gorm:"column:status"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements the GORM table naming convention.
func (ProcessingTask) TableName() string { return "task_list" }

// DeviceTask is the per-device expansion of a ProcessingTask. Window
// matching and reconciliation join capture_file_list against this table.
type DeviceTask struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID    uint      `gorm:"column:task_id"`
	DeviceID  string    `gorm:"column:device_id;size:16"`
	DataType  string    `gorm:"column:data_type;size:64"`
	StartTime time.Time `gorm:"column:start_time"`
	EndTime   time.Time `gorm:"column:end_time"`
	// Resolved is 1 once no more files are expected for this window.
	Resolved int `gorm:"column:resolved"`
	// Status is 0 while open and 1 once closed.
	Status    int       `gorm:"column:status"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements the GORM table naming convention.
func (DeviceTask) TableName() string { return "device_task_list" }

// DeviceRef is one row of the reference-data device set. Files from devices
// absent from this set are never task-eligible.
type DeviceRef struct {
	DeviceID  string    `gorm:"column:device_id;primaryKey;size:16"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName implements the GORM table naming convention.
func (DeviceRef) TableName() string { return "device_ref" }

// Window is the in-memory projection of an open, unresolved DeviceTask used
// on the hot ingestion path.
type Window struct {
	DeviceID  string
	DataType  string
	StartTime time.Time
	EndTime   time.Time
}

// Contains reports whether a file with the given attributes falls inside
// this window. Both boundaries are inclusive.
func (w Window) Contains(deviceID, dataType string, captureTime time.Time) bool {
	if w.DeviceID != deviceID || w.DataType != dataType {
		return false
	}
	return !captureTime.Before(w.StartTime) && !captureTime.After(w.EndTime)
}

// TimeRange is a distinct (start, end) pair among open windows, used to
// select candidate partitions during reconciliation.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// QueuedJob is the serialized payload handed to worker processes through a
// source's work queue.
type QueuedJob struct {
	SourceID       int       `json:"sourceId"`
	FilePath       string    `json:"filePath"`
	CaptureTime    time.Time `json:"captureTime"`
	DataType       string    `json:"dataType"`
	SubFileName    string    `json:"subFileName"`
	HeaderOffset   int       `json:"headerOffset"`
	CompressedSize int       `json:"compressedSize"`
	RawSize        int       `json:"rawSize"`
	Flags          int       `json:"flags"`
	DeviceID       string    `json:"deviceId"`
	ContentHash    string    `json:"contentHash"`
}

// JobFromRecord builds the queue payload for a persisted file record.
func JobFromRecord(r *FileRecord) QueuedJob {
	return QueuedJob{
		SourceID:       r.SourceID,
		FilePath:       r.FilePath,
		CaptureTime:    r.CaptureTime,
		DataType:       r.DataType,
		SubFileName:    r.SubFileName,
		HeaderOffset:   r.HeaderOffset,
		CompressedSize: r.CompressedSize,
		RawSize:        r.RawSize,
		Flags:          r.Flags,
		DeviceID:       r.DeviceID,
		ContentHash:    r.ContentHash,
	}
}

// StatusUpdate is one out-of-band status change parked on the side queue
// when memory pressure prevents a synchronous write.
type StatusUpdate struct {
	ContentHash string    `json:"contentHash"`
	CaptureTime time.Time `json:"captureTime"`
	Relevant    int       `json:"relevant"`
}

// AdmissionResult is the structured outcome of one admission call. Partial
// failures are counted rather than raised.
type AdmissionResult struct {
	// BatchID correlates the log lines and metrics of one admission call.
	BatchID string `json:"batchId"`
	// Total is the number of items originally submitted.
	Total int `json:"total"`
	// Inserted is the number of rows newly written to the store.
	Inserted int `json:"inserted"`
	// Queued is the number of jobs pushed to work queues.
	Queued int `json:"queued"`
	// Failed is the number of rows that could not be persisted.
	Failed int `json:"failed"`
	// DurationMillis is the elapsed wall time of the call.
	DurationMillis int64 `json:"durationMs"`
}
