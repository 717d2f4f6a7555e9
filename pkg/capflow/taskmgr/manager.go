// Package taskmgr orchestrates the capture-file distribution core: it
// admits inbound file batches, keeps file status converging against open
// task windows through background reconciliation, and runs the retention
// maintenance of the partitioned store and the dedup index.
package taskmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm/clause"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/adapter/kv"
	"github.com/capflow/capflow/pkg/capflow/core/config"
	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
	"github.com/capflow/capflow/pkg/capflow/partition"
	"github.com/capflow/capflow/pkg/capflow/queue"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/fileinfo"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

const moduleName = "taskmgr"

// StatusUpdateKey is the side queue holding status updates deferred under
// memory pressure.
const StatusUpdateKey = "status_updates"

// MemoryGate reports the key-value store's memory state for admission
// control.
type MemoryGate interface {
	MemoryInfo(ctx context.Context) (kv.MemoryInfo, error)
}

// SideQueue is the list surface used for the deferred status updates.
type SideQueue interface {
	PushList(ctx context.Context, key string, payloads [][]byte) error
	PopList(ctx context.Context, key string) (payload []byte, ok bool, err error)
}

// DedupIndex is the scan-dedup surface the manager needs.
type DedupIndex interface {
	FilterUnseen(ctx context.Context, sourceID int, paths []string) ([]string, error)
	RecordSeen(ctx context.Context, sourceID int, paths ...string) error
	Observe(sourceID int, captureTime time.Time)
	MaxCaptureTime(sourceID int) (time.Time, bool)
	SeedMaxTimes(ctx context.Context) error
	PruneExpired(ctx context.Context, maxAgeDays int) (int, error)
}

// JobQueue is the work queue surface the manager needs. Dequeueing is not
// part of it: jobs are consumed by external workers straight off the
// per-source lists.
type JobQueue interface {
	EnqueueMany(ctx context.Context, jobs []model.QueuedJob) (queue.EnqueueResult, error)
}

// Partitioner is the partition management surface the manager needs.
type Partitioner interface {
	EnsureDays(ctx context.Context, days []time.Time) error
	PartitionsFor(ctx context.Context, ranges []model.TimeRange) ([]string, error)
	ExpirePartitions(ctx context.Context, retentionDays int, beforeDrop func(context.Context, partition.DayPartition) error) ([]string, error)
	Refresh(ctx context.Context) error
	Names(ctx context.Context) ([]string, error)
}

// WindowCache is the task window cache surface the manager needs.
type WindowCache interface {
	Refresh(ctx context.Context) error
	HasDevice(deviceID string) bool
	MatchWindow(deviceID, dataType string, captureTime time.Time) bool
	CurrentWindows() []model.Window
	TimeRanges() []model.TimeRange
}

// Archiver exports a partition's rows before the partition is dropped.
type Archiver interface {
	ArchivePartition(ctx context.Context, p partition.DayPartition) error
}

// Manager is the orchestrator. One instance is wired at process start; all
// mutation of shared state goes through its methods.
type Manager struct {
	conn    *database.Connection
	txm     database.TransactionManager
	gate    MemoryGate
	side    SideQueue
	idx     DedupIndex
	wq      JobQueue
	cache   WindowCache
	parts   Partitioner
	arch    Archiver
	metrics metrics.Recorder
	cfg     *config.CoreConfig
	archCfg *config.ArchiveConfig
}

// ManagerDeps bundles the collaborators of the Manager.
type ManagerDeps struct {
	Conn      *database.Connection
	Txm       database.TransactionManager
	Gate      MemoryGate
	Side      SideQueue
	Index     DedupIndex
	Queue     JobQueue
	Cache     WindowCache
	Parts     Partitioner
	Archiver  Archiver
	Metrics   metrics.Recorder
	Core      *config.CoreConfig
	ArchiveCf *config.ArchiveConfig
}

// NewManager creates the orchestrator.
func NewManager(deps ManagerDeps) *Manager {
	return &Manager{
		conn:    deps.Conn,
		txm:     deps.Txm,
		gate:    deps.Gate,
		side:    deps.Side,
		idx:     deps.Index,
		wq:      deps.Queue,
		cache:   deps.Cache,
		parts:   deps.Parts,
		arch:    deps.Archiver,
		metrics: deps.Metrics,
		cfg:     deps.Core,
		archCfg: deps.ArchiveCf,
	}
}

// checkCapacity trips the admission gate when the key-value store's memory
// ratio is at or above the high-water mark. A gate probe failure is treated
// as a transient store error, not as capacity headroom.
func (m *Manager) checkCapacity(ctx context.Context) error {
	info, err := m.gate.MemoryInfo(ctx)
	if err != nil {
		return exception.NewTransientStoreError(moduleName, "memory gate probe failed", err)
	}
	if info.MaxMemory > 0 && info.Ratio >= m.cfg.HighWaterRatio {
		m.metrics.RecordCapacityReject()
		logger.Warnf("Admission gate tripped: %s", gateStatus(info))
		return exception.NewCapacityError(moduleName, info.Ratio)
	}
	return nil
}

// Admit ingests one batch of file references. The whole batch is rejected
// with a capacity error when the memory gate is tripped; otherwise entries
// from unknown devices are dropped, the rest are hashed, classified against
// the window snapshot, persisted in fixed-size upsert-or-skip transactions,
// and the relevant ones queued after their transaction commits. Per-batch
// store failures are counted in the result, never raised.
func (m *Manager) Admit(ctx context.Context, items []model.FileItem) (*model.AdmissionResult, error) {
	started := time.Now()
	result := &model.AdmissionResult{
		BatchID: uuid.NewString(),
		Total:   len(items),
	}

	if err := m.checkCapacity(ctx); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return result, nil
	}

	records := m.classify(items)
	if len(records) == 0 {
		logger.Infof("Admission %s: no task-eligible entries among %d items.", result.BatchID, len(items))
		result.DurationMillis = time.Since(started).Milliseconds()
		return result, nil
	}

	// Make sure a partition boundary exists for every capture day in the
	// batch. A DDL failure leaves the day unpartitioned; its rows fail in
	// their insert batch and the day is retried on the next ingestion.
	if err := m.parts.EnsureDays(ctx, captureDays(records)); err != nil {
		logger.Errorf("Admission %s: partition preparation failed, continuing: %v", result.BatchID, err)
	}

	var errs *multierror.Error
	for start := 0; start < len(records); start += m.cfg.InsertBatchSize {
		end := start + m.cfg.InsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		inserted, err := m.insertChunk(ctx, chunk)
		if err != nil {
			errs = multierror.Append(errs, err)
			result.Failed += len(chunk)
			logger.Errorf("Admission %s: batch %d-%d failed: %v", result.BatchID, start, end, err)
			continue
		}
		result.Inserted += inserted

		// Queueing happens after the transaction commits so a slow queue
		// never holds a DB lock.
		queued, err := m.enqueueRelevant(ctx, chunk)
		if err != nil {
			errs = multierror.Append(errs, err)
			logger.Errorf("Admission %s: enqueue after batch %d-%d failed: %v", result.BatchID, start, end, err)
		}
		result.Queued += queued
		logger.Debugf("Admission %s: batch %d-%d inserted=%d queued=%d.", result.BatchID, start, end, inserted, queued)
	}

	result.DurationMillis = time.Since(started).Milliseconds()
	m.metrics.RecordAdmission(result.Total, result.Inserted, result.Queued, result.Failed, time.Since(started))
	logger.Infof("Admission %s: total=%d inserted=%d queued=%d failed=%d in %dms.",
		result.BatchID, result.Total, result.Inserted, result.Queued, result.Failed, result.DurationMillis)

	if err := errs.ErrorOrNil(); err != nil {
		// Partial failures are part of the structured result; the error
		// carries the detail for callers that want it.
		return result, exception.NewCoreError(moduleName, "admission completed with failed batches", err, exception.KindPartialBatch)
	}
	return result, nil
}

// classify drops unknown devices and turns the survivors into records with
// content hash and window relevance evaluated against the current snapshot.
func (m *Manager) classify(items []model.FileItem) []model.FileRecord {
	records := make([]model.FileRecord, 0, len(items))
	for _, item := range items {
		if !m.cache.HasDevice(item.DeviceID) {
			continue
		}
		relevant := 0
		if m.cache.MatchWindow(item.DeviceID, item.DataType, item.CaptureTime) {
			relevant = 1
		}
		records = append(records, model.FileRecord{
			ContentHash:    fileinfo.ContentHash(item.SourceID, item.FilePath, item.SubFileName),
			CaptureTime:    item.CaptureTime,
			SourceID:       item.SourceID,
			FilePath:       item.FilePath,
			DataType:       item.DataType,
			SubFileName:    item.SubFileName,
			HeaderOffset:   item.HeaderOffset,
			CompressedSize: item.CompressedSize,
			RawSize:        item.RawSize,
			Flags:          item.Flags,
			DeviceID:       item.DeviceID,
			Relevant:       relevant,
		})
	}
	return records
}

// insertChunk writes one fixed-size chunk in its own transaction with an
// upsert-or-skip keyed on the primary key; duplicate hashes are silently
// skipped. Returns the number of newly inserted rows.
func (m *Manager) insertChunk(ctx context.Context, chunk []model.FileRecord) (int, error) {
	txCtx, cancel := context.WithTimeout(ctx, m.conn.TxTimeout())
	defer cancel()

	tx, err := m.txm.Begin(txCtx)
	if err != nil {
		return 0, exception.NewTransientStoreError(moduleName, "failed to begin insert transaction", err)
	}

	res := tx.GormTx().Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk)
	if res.Error != nil {
		_ = m.txm.Rollback(tx)
		return 0, exception.NewTransientStoreError(moduleName, "insert batch failed", res.Error)
	}
	if err := m.txm.Commit(tx); err != nil {
		return 0, exception.NewTransientStoreError(moduleName, "failed to commit insert batch", err)
	}
	return int(res.RowsAffected), nil
}

// enqueueRelevant pushes the relevant rows of a committed chunk to their
// sources' work queues and records the observed capture times.
func (m *Manager) enqueueRelevant(ctx context.Context, chunk []model.FileRecord) (int, error) {
	var jobs []model.QueuedJob
	for i := range chunk {
		if chunk[i].Relevant == 1 {
			jobs = append(jobs, model.JobFromRecord(&chunk[i]))
		}
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	res, err := m.wq.EnqueueMany(ctx, jobs)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		m.idx.Observe(job.SourceID, job.CaptureTime)
	}
	if res.Failed > 0 {
		logger.Warnf("Enqueue reported %d failed jobs.", res.Failed)
	}
	return res.Succeeded, nil
}

// FilterCandidates returns the subset of paths that are unseen for the
// source and whose embedded capture time falls inside some open task
// window. Matching is time-only: the data type is declared by the caller
// but classification against typed windows happens at admission. External
// listers call this before submitting.
func (m *Manager) FilterCandidates(ctx context.Context, sourceID int, dataType string, paths []string) ([]string, error) {
	unseen, err := m.idx.FilterUnseen(ctx, sourceID, paths)
	if err != nil {
		return nil, err
	}

	windows := m.cache.CurrentWindows()
	var out []string
	for _, path := range unseen {
		t, ok := fileinfo.TimeFromPath(path)
		if !ok {
			continue
		}
		for _, w := range windows {
			if !t.Before(w.StartTime) && !t.After(w.EndTime) {
				out = append(out, path)
				break
			}
		}
	}
	return out, nil
}

func captureDays(records []model.FileRecord) []time.Time {
	days := make([]time.Time, len(records))
	for i, r := range records {
		days[i] = r.CaptureTime
	}
	return days
}

// gateStatus formats the memory gate state for logs.
func gateStatus(info kv.MemoryInfo) string {
	return fmt.Sprintf("used=%d max=%d ratio=%.2f%%", info.Used, info.MaxMemory, info.Ratio)
}
