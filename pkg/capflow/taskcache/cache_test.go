package taskcache_test

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/taskcache"
)

func newMockCache(t *testing.T) (*taskcache.Cache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(gormmysql.New(gormmysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	conn := database.NewWithDB(gormDB, "test")
	return taskcache.NewCache(conn), mock
}

func expectLoad(mock sqlmock.Sqlmock, windows *sqlmock.Rows, devices *sqlmock.Rows, tasks *sqlmock.Rows) {
	mock.ExpectQuery("SELECT \\* FROM `device_task_list` WHERE resolved = \\? AND status = \\?").
		WithArgs(0, 0).
		WillReturnRows(windows)
	mock.ExpectQuery("SELECT \\* FROM `device_ref`").
		WillReturnRows(devices)
	mock.ExpectQuery("SELECT \\* FROM `task_list` WHERE status = \\?").
		WithArgs(0).
		WillReturnRows(tasks)
}

func windowRows(rows ...[]driverValue) *sqlmock.Rows {
	out := sqlmock.NewRows([]string{"id", "task_id", "device_id", "data_type", "start_time", "end_time", "resolved", "status"})
	for _, r := range rows {
		out.AddRow(r...)
	}
	return out
}

type driverValue = driver.Value

func TestRefresh_BuildsSnapshot(t *testing.T) {
	cache, mock := newMockCache(t)

	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	expectLoad(mock,
		windowRows(
			[]driverValue{1, 1, "D1", "T", start, end, 0, 0},
			[]driverValue{2, 1, "D2", "T", start, end, 0, 0},
		),
		sqlmock.NewRows([]string{"device_id"}).AddRow("D1").AddRow("D2"),
		sqlmock.NewRows([]string{"id", "name", "data_type", "start_time", "end_time", "status"}).
			AddRow(1, "jan-sweep", "T", start, end, 0),
	)

	require.NoError(t, cache.Refresh(context.Background()))

	assert.Len(t, cache.CurrentWindows(), 2)
	assert.True(t, cache.HasDevice("D1"))
	assert.False(t, cache.HasDevice("D9"))
	require.Len(t, cache.OpenTasks(), 1)
	assert.Equal(t, "jan-sweep", cache.OpenTasks()[0].Name)
	// Identical (start, end) pairs collapse into one range.
	assert.Equal(t, []model.TimeRange{{Start: start, End: end}}, cache.TimeRanges())
	assert.False(t, cache.LoadedAt().IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchWindow_BoundariesInclusive(t *testing.T) {
	cache, mock := newMockCache(t)

	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	expectLoad(mock,
		windowRows([]driverValue{1, 1, "D1", "T", start, end, 0, 0}),
		sqlmock.NewRows([]string{"device_id"}).AddRow("D1"),
		sqlmock.NewRows([]string{"id"}),
	)
	require.NoError(t, cache.Refresh(context.Background()))

	assert.True(t, cache.MatchWindow("D1", "T", start))
	assert.True(t, cache.MatchWindow("D1", "T", end))
	assert.True(t, cache.MatchWindow("D1", "T", start.Add(time.Hour)))
	assert.False(t, cache.MatchWindow("D1", "T", start.Add(-time.Second)))
	assert.False(t, cache.MatchWindow("D1", "T", end.Add(time.Second)))
	assert.False(t, cache.MatchWindow("D2", "T", start))
	assert.False(t, cache.MatchWindow("D1", "U", start))
}

func TestRefresh_InFlightRefreshIsNoOp(t *testing.T) {
	cache, mock := newMockCache(t)

	mock.ExpectQuery("SELECT \\* FROM `device_task_list`").
		WithArgs(0, 0).
		WillDelayFor(100 * time.Millisecond).
		WillReturnRows(windowRows())
	mock.ExpectQuery("SELECT \\* FROM `device_ref`").
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}))
	mock.ExpectQuery("SELECT \\* FROM `task_list`").
		WithArgs(0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, cache.Refresh(context.Background()))
	}()

	// Give the goroutine time to enter the delayed query, then confirm a
	// second refresh returns without issuing its own load.
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, cache.Refresh(context.Background()))
	wg.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefresh_SwapsSnapshotAtomically(t *testing.T) {
	cache, mock := newMockCache(t)

	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Hour)
	expectLoad(mock,
		windowRows([]driverValue{1, 1, "D1", "T", start, end, 0, 0}),
		sqlmock.NewRows([]string{"device_id"}).AddRow("D1"),
		sqlmock.NewRows([]string{"id"}),
	)
	require.NoError(t, cache.Refresh(context.Background()))
	require.Len(t, cache.CurrentWindows(), 1)

	// Second refresh returns an empty task set; readers see the new view.
	expectLoad(mock,
		windowRows(),
		sqlmock.NewRows([]string{"device_id"}),
		sqlmock.NewRows([]string{"id"}),
	)
	require.NoError(t, cache.Refresh(context.Background()))
	assert.Empty(t, cache.CurrentWindows())
	assert.False(t, cache.HasDevice("D1"))
}
