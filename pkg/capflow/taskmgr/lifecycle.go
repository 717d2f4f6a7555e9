package taskmgr

import (
	"context"
	"time"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// TaskService owns the task lifecycle: creating and deleting tasks together
// with their per-device expansion, each in one transaction, followed by a
// window cache refresh so the ingestion path sees the change.
type TaskService struct {
	conn  *database.Connection
	txm   database.TransactionManager
	cache WindowCache
}

// NewTaskService creates the task lifecycle service.
func NewTaskService(conn *database.Connection, txm database.TransactionManager, cache WindowCache) *TaskService {
	return &TaskService{conn: conn, txm: txm, cache: cache}
}

// CreateTask persists a task and one device task per device id in a single
// transaction, then refreshes the window cache.
func (s *TaskService) CreateTask(ctx context.Context, task *model.ProcessingTask, deviceIDs []string) error {
	if task.EndTime.Before(task.StartTime) {
		return exception.NewValidationError(moduleName, "task window ends before it starts")
	}
	if len(deviceIDs) == 0 {
		return exception.NewValidationError(moduleName, "task needs at least one device")
	}

	tx, err := s.txm.Begin(ctx)
	if err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to begin task creation", err)
	}
	if err := tx.GormTx().Create(task).Error; err != nil {
		_ = s.txm.Rollback(tx)
		return exception.NewTransientStoreError(moduleName, "failed to create task", err)
	}

	children := make([]model.DeviceTask, len(deviceIDs))
	for i, deviceID := range deviceIDs {
		children[i] = model.DeviceTask{
			TaskID:    task.ID,
			DeviceID:  deviceID,
			DataType:  task.DataType,
			StartTime: task.StartTime,
			EndTime:   task.EndTime,
		}
	}
	if err := tx.GormTx().Create(&children).Error; err != nil {
		_ = s.txm.Rollback(tx)
		return exception.NewTransientStoreError(moduleName, "failed to create device tasks", err)
	}
	if err := s.txm.Commit(tx); err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to commit task creation", err)
	}

	logger.Infof("Created task %d ('%s') with %d device tasks.", task.ID, task.Name, len(children))
	s.refresh(ctx)
	return nil
}

// DeleteTask removes a task and its device tasks in a single transaction,
// then refreshes the window cache.
func (s *TaskService) DeleteTask(ctx context.Context, taskID uint) error {
	tx, err := s.txm.Begin(ctx)
	if err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to begin task deletion", err)
	}
	if err := tx.GormTx().Where("task_id = ?", taskID).Delete(&model.DeviceTask{}).Error; err != nil {
		_ = s.txm.Rollback(tx)
		return exception.NewTransientStoreError(moduleName, "failed to delete device tasks", err)
	}
	if err := tx.GormTx().Where("id = ?", taskID).Delete(&model.ProcessingTask{}).Error; err != nil {
		_ = s.txm.Rollback(tx)
		return exception.NewTransientStoreError(moduleName, "failed to delete task", err)
	}
	if err := s.txm.Commit(tx); err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to commit task deletion", err)
	}

	logger.Infof("Deleted task %d and its device tasks.", taskID)
	s.refresh(ctx)
	return nil
}

// CheckWindow reports whether any open window of the device covers the
// given time, regardless of data type. Served from the cache snapshot.
func (s *TaskService) CheckWindow(deviceID string, t time.Time) bool {
	for _, w := range s.cache.CurrentWindows() {
		if w.DeviceID != deviceID {
			continue
		}
		if !t.Before(w.StartTime) && !t.After(w.EndTime) {
			return true
		}
	}
	return false
}

func (s *TaskService) refresh(ctx context.Context) {
	if err := s.cache.Refresh(ctx); err != nil {
		logger.Errorf("Window cache refresh after task change failed: %v", err)
	}
}
