package taskmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/partition"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/fileinfo"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// UpdateStatus writes a file's relevance status. When the file's capture day
// maps to a known partition the update is scoped to that partition; files
// whose partition was dropped or never created fall back to an unscoped
// update by hash alone. Returns whether a row was updated; failures are
// logged, never raised.
func (m *Manager) UpdateStatus(ctx context.Context, contentHash string, captureTime time.Time, relevant int) bool {
	db := m.conn.GormDB().WithContext(ctx)

	names, err := m.parts.PartitionsFor(ctx, []model.TimeRange{{Start: captureTime, End: captureTime}})
	if err != nil {
		logger.Warnf("Partition lookup failed for status update of %s: %v", contentHash, err)
		names = nil
	}

	if len(names) == 1 && names[0] == partition.NameFor(captureTime) {
		stmt := fmt.Sprintf("UPDATE capture_file_list PARTITION (%s) SET relevant = ? WHERE content_hash = ?", names[0])
		res := db.Exec(stmt, relevant, contentHash)
		if res.Error != nil {
			logger.Errorf("Partition-scoped status update failed for %s: %v", contentHash, res.Error)
			m.metrics.RecordStatusUpdate("failed")
			return false
		}
		if res.RowsAffected > 0 {
			m.metrics.RecordStatusUpdate("applied")
			return true
		}
		// The hash may live in another partition (clock skew between path
		// timestamp and stored capture time); fall through to the
		// unscoped update.
	}

	res := db.Exec("UPDATE capture_file_list SET relevant = ? WHERE content_hash = ?", relevant, contentHash)
	if res.Error != nil {
		logger.Errorf("Status update failed for %s: %v", contentHash, res.Error)
		m.metrics.RecordStatusUpdate("failed")
		return false
	}
	if res.RowsAffected == 0 {
		logger.Debugf("Status update for %s matched no rows.", contentHash)
		return false
	}
	m.metrics.RecordStatusUpdate("applied")
	return true
}

// UpdateFileStatus is the worker-callback surface. The capture time is
// derived from the 14-digit timestamp embedded in the file path; a path
// without one is a validation error. Under memory pressure the update is
// parked on the side queue instead of hitting the store synchronously.
func (m *Manager) UpdateFileStatus(ctx context.Context, contentHash, filePath string, relevant int) (bool, error) {
	captureTime, ok := fileinfo.TimeFromPath(filePath)
	if !ok {
		return false, exception.NewValidationError(moduleName, "no parsable timestamp in path '%s'", filePath)
	}

	if err := m.checkCapacity(ctx); err != nil {
		if exception.IsCapacity(err) {
			if derr := m.deferStatusUpdate(ctx, contentHash, captureTime, relevant); derr != nil {
				return false, derr
			}
			return true, nil
		}
		// A gate probe failure is not memory pressure; try the write.
		logger.Warnf("Memory gate probe failed, applying status update directly: %v", err)
	}

	return m.UpdateStatus(ctx, contentHash, captureTime, relevant), nil
}

func (m *Manager) deferStatusUpdate(ctx context.Context, contentHash string, captureTime time.Time, relevant int) error {
	payload, err := json.Marshal(model.StatusUpdate{
		ContentHash: contentHash,
		CaptureTime: captureTime,
		Relevant:    relevant,
	})
	if err != nil {
		return exception.NewCoreError(moduleName, "failed to encode deferred status update", err, exception.KindInternal)
	}
	if err := m.side.PushList(ctx, StatusUpdateKey, [][]byte{payload}); err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to park status update", err)
	}
	m.metrics.RecordStatusUpdate("deferred")
	logger.Debugf("Parked status update for %s on the side queue.", contentHash)
	return nil
}

// DrainStatusUpdates applies parked status updates until the side queue is
// empty, returning the number of processed entries. Individual failures are
// logged and do not stop the drain.
func (m *Manager) DrainStatusUpdates(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		payload, ok, err := m.side.PopList(ctx, StatusUpdateKey)
		if err != nil {
			return processed, exception.NewTransientStoreError(moduleName, "failed to pop status update", err)
		}
		if !ok {
			return processed, nil
		}

		var update model.StatusUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			logger.Errorf("Dropping undecodable deferred status update: %v", err)
			continue
		}
		if !m.UpdateStatus(ctx, update.ContentHash, update.CaptureTime, update.Relevant) {
			logger.Warnf("Deferred status update for %s did not apply.", update.ContentHash)
		}
		processed++
	}
}
