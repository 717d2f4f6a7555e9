// Package archive exports the rows of an expiring partition as a parquet
// object before the partition is dropped. Archival is best effort: the
// retention sweep proceeds with the drop even when the export fails.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/adapter/storage"
	"github.com/capflow/capflow/pkg/capflow/core/config"
	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/partition"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

const moduleName = "archive"

// pageSize bounds one read while streaming a partition into the writer.
const pageSize = 5000

// fileRow is the parquet schema of one archived file record.
type fileRow struct {
	ContentHash    string `parquet:"name=content_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CaptureTime    int64  `parquet:"name=capture_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	SourceID       int32  `parquet:"name=source_id, type=INT32"`
	FilePath       string `parquet:"name=file_path, type=BYTE_ARRAY, convertedtype=UTF8"`
	DataType       string `parquet:"name=data_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	SubFileName    string `parquet:"name=sub_file_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	HeaderOffset   int32  `parquet:"name=header_offset, type=INT32"`
	CompressedSize int32  `parquet:"name=compressed_size, type=INT32"`
	RawSize        int32  `parquet:"name=raw_size, type=INT32"`
	Flags          int32  `parquet:"name=flags, type=INT32"`
	DeviceID       string `parquet:"name=device_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Relevant       int32  `parquet:"name=relevant, type=INT32"`
}

func rowFromRecord(r *model.FileRecord) fileRow {
	return fileRow{
		ContentHash:    r.ContentHash,
		CaptureTime:    r.CaptureTime.UnixMilli(),
		SourceID:       int32(r.SourceID),
		FilePath:       r.FilePath,
		DataType:       r.DataType,
		SubFileName:    r.SubFileName,
		HeaderOffset:   int32(r.HeaderOffset),
		CompressedSize: int32(r.CompressedSize),
		RawSize:        int32(r.RawSize),
		Flags:          int32(r.Flags),
		DeviceID:       r.DeviceID,
		Relevant:       int32(r.Relevant),
	}
}

// Archiver streams partition rows into parquet objects on the configured
// store.
type Archiver struct {
	conn  *database.Connection
	store storage.ObjectStore
	cfg   *config.ArchiveConfig
}

// NewArchiver creates the partition archiver.
func NewArchiver(conn *database.Connection, store storage.ObjectStore, cfg *config.Config) *Archiver {
	return &Archiver{
		conn:  conn,
		store: store,
		cfg:   &cfg.Capflow.Archive,
	}
}

// ArchivePartition exports every row of the partition to
// <base_dir>/<partition>.parquet in the archive bucket. An empty partition
// produces no object.
func (a *Archiver) ArchivePartition(ctx context.Context, p partition.DayPartition) error {
	if !a.cfg.Enabled {
		return nil
	}

	buf := new(bytes.Buffer)
	pw, err := writer.NewParquetWriterFromWriter(buf, new(fileRow), 4)
	if err != nil {
		return exception.NewCoreError(moduleName, fmt.Sprintf("failed to create parquet writer for %s", p.Name), err, exception.KindInternal)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	selectStmt := fmt.Sprintf("SELECT * FROM capture_file_list PARTITION (%s) LIMIT ? OFFSET ?", p.Name)
	total := 0
	for offset := 0; ; offset += pageSize {
		var page []model.FileRecord
		if err := a.conn.GormDB().WithContext(ctx).Raw(selectStmt, pageSize, offset).Scan(&page).Error; err != nil {
			return exception.NewTransientStoreError(moduleName, fmt.Sprintf("failed to read partition %s", p.Name), err)
		}
		for i := range page {
			row := rowFromRecord(&page[i])
			if err := pw.Write(row); err != nil {
				return exception.NewCoreError(moduleName, fmt.Sprintf("failed to write parquet row for %s", p.Name), err, exception.KindInternal)
			}
		}
		total += len(page)
		if len(page) < pageSize {
			break
		}
	}
	if total == 0 {
		logger.Debugf("Partition %s is empty, skipping archive.", p.Name)
		return nil
	}

	// WriteStop can panic inside the library; contain it.
	if err := writeStop(pw); err != nil {
		return exception.NewCoreError(moduleName, fmt.Sprintf("failed to finalize parquet file for %s", p.Name), err, exception.KindInternal)
	}

	objectName := path.Join(a.cfg.BaseDir, p.Name+".parquet")
	if err := a.store.Upload(ctx, a.cfg.Bucket, objectName, buf, "application/octet-stream"); err != nil {
		return exception.NewTransientStoreError(moduleName, fmt.Sprintf("failed to upload archive for %s", p.Name), err)
	}
	logger.Infof("Archived %d rows of partition %s to %s/%s.", total, p.Name, a.cfg.Bucket, objectName)
	return nil
}

func writeStop(pw *writer.ParquetWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parquet writer panicked during WriteStop: %v", r)
		}
	}()
	return pw.WriteStop()
}
