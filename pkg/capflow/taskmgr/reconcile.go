package taskmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// ReconcileUnresolved sweeps the partitions intersecting the open task
// windows for files still pending (`relevant = 0`) that a window now covers,
// marks them relevant transactionally and queues them. Returns the number of
// files matched. Per-partition failures are logged and the sweep continues.
func (m *Manager) ReconcileUnresolved(ctx context.Context) (int, error) {
	started := time.Now()

	if err := m.cache.Refresh(ctx); err != nil {
		return 0, err
	}
	ranges := m.cache.TimeRanges()
	if len(ranges) == 0 {
		return 0, nil
	}

	names, err := m.parts.PartitionsFor(ctx, ranges)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, name := range names {
		matched, err := m.reconcilePartition(ctx, name)
		if err != nil {
			logger.Errorf("Reconciliation failed for partition %s: %v", name, err)
			continue
		}
		total += matched
	}

	m.metrics.RecordReconcile(total, time.Since(started))
	if total > 0 {
		logger.Infof("Reconciliation matched %d pending files across %d partitions.", total, len(names))
	}
	return total, nil
}

// reconcilePartition pages through one partition's pending files joined
// against the open, unresolved device tasks. Marking a page relevant removes
// it from the predicate, so paging repeats from the top until a short page
// signals exhaustion.
func (m *Manager) reconcilePartition(ctx context.Context, name string) (int, error) {
	pageSize := m.cfg.InsertBatchSize
	total := 0

	selectStmt := fmt.Sprintf(
		`SELECT f.* FROM capture_file_list PARTITION (%s) f `+
			`JOIN device_task_list t ON f.device_id = t.device_id AND f.data_type = t.data_type `+
			`AND f.capture_time BETWEEN t.start_time AND t.end_time `+
			`WHERE f.relevant = 0 AND t.resolved = 0 AND t.status = 0 LIMIT ?`, name)

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var page []model.FileRecord
		if err := m.conn.GormDB().WithContext(ctx).Raw(selectStmt, pageSize).Scan(&page).Error; err != nil {
			return total, exception.NewTransientStoreError(moduleName, fmt.Sprintf("reconcile scan failed for %s", name), err)
		}
		if len(page) == 0 {
			return total, nil
		}

		if err := m.markRelevant(ctx, name, page); err != nil {
			return total, err
		}

		// Queueing happens after the transaction commits.
		if _, err := m.enqueueRelevant(ctx, page); err != nil {
			logger.Errorf("Enqueue failed after reconciling %s: %v", name, err)
		}
		total += len(page)

		if len(page) < pageSize {
			return total, nil
		}
	}
}

func (m *Manager) markRelevant(ctx context.Context, partitionName string, page []model.FileRecord) error {
	hashes := make([]string, len(page))
	for i := range page {
		hashes[i] = page[i].ContentHash
		page[i].Relevant = 1
	}

	txCtx, cancel := context.WithTimeout(ctx, m.conn.TxTimeout())
	defer cancel()

	tx, err := m.txm.Begin(txCtx)
	if err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to begin reconcile transaction", err)
	}
	stmt := fmt.Sprintf("UPDATE capture_file_list PARTITION (%s) SET relevant = 1 WHERE content_hash IN ?", partitionName)
	if err := tx.GormTx().Exec(stmt, hashes).Error; err != nil {
		_ = m.txm.Rollback(tx)
		return exception.NewTransientStoreError(moduleName, fmt.Sprintf("reconcile update failed for %s", partitionName), err)
	}
	if err := m.txm.Commit(tx); err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to commit reconcile update", err)
	}
	return nil
}

// ReconcileTaskResolution marks device tasks resolved when their window has
// passed the newest observed capture time and no file row matches them, so
// the unresolved sweep stops polling for data that will never arrive.
// Returns the number of tasks resolved.
func (m *Manager) ReconcileTaskResolution(ctx context.Context) (int, error) {
	db := m.conn.GormDB().WithContext(ctx)

	var latest struct {
		MaxTime *time.Time `gorm:"column:max_time"`
	}
	if err := db.Raw("SELECT MAX(capture_time) AS max_time FROM capture_file_list").Scan(&latest).Error; err != nil {
		return 0, exception.NewTransientStoreError(moduleName, "failed to load newest capture time", err)
	}
	if latest.MaxTime == nil {
		return 0, nil
	}

	var stale []model.DeviceTask
	if err := db.Where("resolved = ? AND status = ? AND end_time < ?", 0, 0, *latest.MaxTime).Find(&stale).Error; err != nil {
		return 0, exception.NewTransientStoreError(moduleName, "failed to load stale device tasks", err)
	}

	resolved := 0
	for _, task := range stale {
		var count int64
		err := db.Model(&model.FileRecord{}).
			Where("device_id = ? AND data_type = ? AND capture_time BETWEEN ? AND ?",
				task.DeviceID, task.DataType, task.StartTime, task.EndTime).
			Count(&count).Error
		if err != nil {
			logger.Errorf("Resolution count failed for device task %d: %v", task.ID, err)
			continue
		}
		if count > 0 {
			continue
		}
		if err := db.Model(&model.DeviceTask{}).Where("id = ?", task.ID).Update("resolved", 1).Error; err != nil {
			logger.Errorf("Failed to mark device task %d resolved: %v", task.ID, err)
			continue
		}
		resolved++
	}

	if resolved > 0 {
		logger.Infof("Resolved %d device tasks with no remaining data.", resolved)
	}
	return resolved, nil
}
