// Package taskcache keeps the hot-path projections of the task tables in
// memory: open task windows, the device reference set, and the open
// top-level tasks. The ingestion path never touches the task tables
// directly; it reads an immutable snapshot that background refreshes swap
// atomically.
package taskcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

const moduleName = "taskcache"

// snapshot is one immutable view of the task tables. Readers share it; a
// refresh builds a new one and swaps the pointer.
type snapshot struct {
	windows   []model.Window
	devices   map[string]bool
	openTasks []model.ProcessingTask
	ranges    []model.TimeRange
	loadedAt  time.Time
}

// Cache serves window matching and device filtering from memory.
type Cache struct {
	conn *database.Connection

	refreshing atomic.Bool
	mu         sync.RWMutex
	snap       *snapshot
}

// NewCache creates an empty cache. Call Refresh before serving traffic.
func NewCache(conn *database.Connection) *Cache {
	return &Cache{
		conn: conn,
		snap: &snapshot{devices: map[string]bool{}},
	}
}

// Refresh rebuilds the snapshot from the task tables. A refresh already in
// flight makes concurrent calls no-ops; the in-flight result serves them.
func (c *Cache) Refresh(ctx context.Context) error {
	if !c.refreshing.CompareAndSwap(false, true) {
		logger.Debugf("Task cache refresh already in flight, skipping.")
		return nil
	}
	defer c.refreshing.Store(false)

	db := c.conn.GormDB().WithContext(ctx)

	var deviceTasks []model.DeviceTask
	if err := db.Where("resolved = ? AND status = ?", 0, 0).Find(&deviceTasks).Error; err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to load open device tasks", err)
	}

	var devices []model.DeviceRef
	if err := db.Find(&devices).Error; err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to load device references", err)
	}

	var openTasks []model.ProcessingTask
	if err := db.Where("status = ?", 0).Find(&openTasks).Error; err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to load open tasks", err)
	}

	next := &snapshot{
		windows:   make([]model.Window, 0, len(deviceTasks)),
		devices:   make(map[string]bool, len(devices)),
		openTasks: openTasks,
		loadedAt:  time.Now(),
	}
	seenRange := make(map[model.TimeRange]bool)
	for _, dt := range deviceTasks {
		next.windows = append(next.windows, model.Window{
			DeviceID:  dt.DeviceID,
			DataType:  dt.DataType,
			StartTime: dt.StartTime,
			EndTime:   dt.EndTime,
		})
		r := model.TimeRange{Start: dt.StartTime, End: dt.EndTime}
		if !seenRange[r] {
			seenRange[r] = true
			next.ranges = append(next.ranges, r)
		}
	}
	for _, d := range devices {
		next.devices[d.DeviceID] = true
	}

	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()

	logger.Debugf("Task cache refreshed: %d windows, %d devices, %d open tasks.",
		len(next.windows), len(next.devices), len(next.openTasks))
	return nil
}

func (c *Cache) snapshot() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// CurrentWindows returns the open, unresolved task windows. The returned
// slice is shared and must not be mutated.
func (c *Cache) CurrentWindows() []model.Window {
	return c.snapshot().windows
}

// HasDevice reports whether a device belongs to the reference set.
func (c *Cache) HasDevice(deviceID string) bool {
	return c.snapshot().devices[deviceID]
}

// OpenTasks returns the open top-level tasks.
func (c *Cache) OpenTasks() []model.ProcessingTask {
	return c.snapshot().openTasks
}

// TimeRanges returns the distinct (start, end) pairs among the open
// windows, used to select candidate partitions for reconciliation.
func (c *Cache) TimeRanges() []model.TimeRange {
	return c.snapshot().ranges
}

// MatchWindow reports whether any open window covers the given file
// attributes. Both window boundaries are inclusive.
func (c *Cache) MatchWindow(deviceID, dataType string, captureTime time.Time) bool {
	for _, w := range c.snapshot().windows {
		if w.Contains(deviceID, dataType, captureTime) {
			return true
		}
	}
	return false
}

// LoadedAt reports when the current snapshot was built. Zero before the
// first refresh.
func (c *Cache) LoadedAt() time.Time {
	return c.snapshot().loadedAt
}
