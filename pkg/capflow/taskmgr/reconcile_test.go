package taskmgr_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capflow/capflow/pkg/capflow/core/model"
)

func pendingRows(hashes ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"content_hash", "capture_time", "source_id", "file_path", "data_type", "device_id", "relevant",
	})
	for i, h := range hashes {
		rows.AddRow(h, time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC), 1,
			"/data/cap_20260301120000.bin", "pcap", "dev-1", 0)
	}
	return rows
}

func TestReconcileUnresolved_MarksAndQueuesPendingFiles(t *testing.T) {
	mgr, mocks := newTestManager(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mocks.cache.ranges = []model.TimeRange{{Start: day, End: day.Add(24 * time.Hour)}}
	mocks.parts.names = []string{"p_20260301"}

	mocks.sql.ExpectQuery(`SELECT f\.\* FROM capture_file_list PARTITION \(p_20260301\) f JOIN device_task_list t`).
		WithArgs(2).
		WillReturnRows(pendingRows("h1"))
	mocks.sql.ExpectBegin()
	mocks.sql.ExpectExec(`UPDATE capture_file_list PARTITION \(p_20260301\) SET relevant = 1 WHERE content_hash IN`).
		WithArgs("h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mocks.sql.ExpectCommit()

	matched, err := mgr.ReconcileUnresolved(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	assert.Equal(t, 1, mocks.cache.refreshes)
	require.Len(t, mocks.wq.jobs, 1)
	assert.Equal(t, "h1", mocks.wq.jobs[0].ContentHash)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestReconcileUnresolved_PagesUntilShortPage(t *testing.T) {
	mgr, mocks := newTestManager(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mocks.cache.ranges = []model.TimeRange{{Start: day, End: day.Add(24 * time.Hour)}}
	mocks.parts.names = []string{"p_20260301"}

	// A full page means another round; marking removes rows from the
	// predicate so the next round starts from the top.
	mocks.sql.ExpectQuery(`SELECT f\.\* FROM capture_file_list PARTITION \(p_20260301\)`).
		WithArgs(2).
		WillReturnRows(pendingRows("h1", "h2"))
	mocks.sql.ExpectBegin()
	mocks.sql.ExpectExec(`UPDATE capture_file_list PARTITION \(p_20260301\) SET relevant = 1`).
		WithArgs("h1", "h2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mocks.sql.ExpectCommit()
	mocks.sql.ExpectQuery(`SELECT f\.\* FROM capture_file_list PARTITION \(p_20260301\)`).
		WithArgs(2).
		WillReturnRows(pendingRows())

	matched, err := mgr.ReconcileUnresolved(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, matched)
	assert.Len(t, mocks.wq.jobs, 2)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestReconcileUnresolved_NoOpenWindows(t *testing.T) {
	mgr, mocks := newTestManager(t)
	mocks.cache.ranges = nil

	matched, err := mgr.ReconcileUnresolved(context.Background())

	require.NoError(t, err)
	assert.Zero(t, matched)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestReconcileUnresolved_PartitionFailureContinues(t *testing.T) {
	mgr, mocks := newTestManager(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mocks.cache.ranges = []model.TimeRange{{Start: day, End: day.Add(48 * time.Hour)}}
	mocks.parts.names = []string{"p_20260301", "p_20260302"}

	mocks.sql.ExpectQuery(`SELECT f\.\* FROM capture_file_list PARTITION \(p_20260301\)`).
		WillReturnError(errors.New("partition pruned away"))
	mocks.sql.ExpectQuery(`SELECT f\.\* FROM capture_file_list PARTITION \(p_20260302\)`).
		WithArgs(2).
		WillReturnRows(pendingRows("h3"))
	mocks.sql.ExpectBegin()
	mocks.sql.ExpectExec(`UPDATE capture_file_list PARTITION \(p_20260302\) SET relevant = 1`).
		WithArgs("h3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mocks.sql.ExpectCommit()

	matched, err := mgr.ReconcileUnresolved(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestReconcileUnresolved_CacheRefreshFailureIsFatal(t *testing.T) {
	mgr, mocks := newTestManager(t)
	mocks.cache.err = errors.New("db down")

	_, err := mgr.ReconcileUnresolved(context.Background())

	assert.Error(t, err)
}

// Files admitted before their task window exists stay pending and unqueued;
// once the window is created, reconciliation promotes exactly the covered
// files and queues each of them once.
func TestPendingFilesConvergeAfterWindowCreation(t *testing.T) {
	mgr, mocks := newTestManager(t)
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	items := []model.FileItem{
		testItem(1, "dev-1", day.Add(10*time.Hour)),
		testItem(1, "dev-1", day.Add(11*time.Hour)),
		testItem(1, "dev-1", day.Add(23*time.Hour+59*time.Minute)),
	}

	// No open window yet: all three rows land pending.
	mocks.sql.ExpectBegin()
	mocks.sql.ExpectExec("INSERT INTO `capture_file_list`").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mocks.sql.ExpectCommit()
	mocks.sql.ExpectBegin()
	mocks.sql.ExpectExec("INSERT INTO `capture_file_list`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mocks.sql.ExpectCommit()

	result, err := mgr.Admit(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted)
	assert.Zero(t, result.Queued)
	assert.Empty(t, mocks.wq.jobs)

	// A task now covers 00:00-12:00 of that day; the join finds the two
	// morning files, the 23:59 one stays pending.
	mocks.cache.ranges = []model.TimeRange{{Start: day, End: day.Add(12 * time.Hour)}}
	mocks.parts.names = []string{"p_20240110"}
	mocks.sql.ExpectQuery(`SELECT f\.\* FROM capture_file_list PARTITION \(p_20240110\)`).
		WithArgs(2).
		WillReturnRows(pendingRows("h10", "h11"))
	mocks.sql.ExpectBegin()
	mocks.sql.ExpectExec(`UPDATE capture_file_list PARTITION \(p_20240110\) SET relevant = 1`).
		WithArgs("h10", "h11").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mocks.sql.ExpectCommit()
	mocks.sql.ExpectQuery(`SELECT f\.\* FROM capture_file_list PARTITION \(p_20240110\)`).
		WithArgs(2).
		WillReturnRows(pendingRows())

	matched, err := mgr.ReconcileUnresolved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, matched)
	require.Len(t, mocks.wq.jobs, 2)
	hashes := []string{mocks.wq.jobs[0].ContentHash, mocks.wq.jobs[1].ContentHash}
	assert.ElementsMatch(t, []string{"h10", "h11"}, hashes)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func staleTaskRows(tasks ...model.DeviceTask) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "task_id", "device_id", "data_type", "start_time", "end_time", "resolved", "status",
	})
	for _, task := range tasks {
		rows.AddRow(task.ID, task.TaskID, task.DeviceID, task.DataType, task.StartTime, task.EndTime, task.Resolved, task.Status)
	}
	return rows
}

func TestReconcileTaskResolution_EmptyStore(t *testing.T) {
	mgr, mocks := newTestManager(t)

	mocks.sql.ExpectQuery(`SELECT MAX\(capture_time\) AS max_time FROM capture_file_list`).
		WillReturnRows(sqlmock.NewRows([]string{"max_time"}).AddRow(nil))

	resolved, err := mgr.ReconcileTaskResolution(context.Background())

	require.NoError(t, err)
	assert.Zero(t, resolved)
}

func TestReconcileTaskResolution_ResolvesTasksWithoutData(t *testing.T) {
	mgr, mocks := newTestManager(t)
	maxTime := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	task := model.DeviceTask{
		ID:        7,
		TaskID:    3,
		DeviceID:  "dev-1",
		DataType:  "pcap",
		StartTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}

	mocks.sql.ExpectQuery(`SELECT MAX\(capture_time\) AS max_time FROM capture_file_list`).
		WillReturnRows(sqlmock.NewRows([]string{"max_time"}).AddRow(maxTime))
	mocks.sql.ExpectQuery("SELECT \\* FROM `device_task_list` WHERE resolved = \\? AND status = \\? AND end_time < \\?").
		WithArgs(0, 0, maxTime).
		WillReturnRows(staleTaskRows(task))
	mocks.sql.ExpectQuery("SELECT count\\(\\*\\) FROM `capture_file_list`").
		WithArgs(task.DeviceID, task.DataType, task.StartTime, task.EndTime).
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(0))
	// GORM wraps the single-statement update in its default transaction.
	mocks.sql.ExpectBegin()
	mocks.sql.ExpectExec("UPDATE `device_task_list` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mocks.sql.ExpectCommit()

	resolved, err := mgr.ReconcileTaskResolution(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestReconcileTaskResolution_KeepsTasksWithData(t *testing.T) {
	mgr, mocks := newTestManager(t)
	maxTime := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	task := model.DeviceTask{
		ID:        8,
		DeviceID:  "dev-2",
		DataType:  "pcap",
		StartTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}

	mocks.sql.ExpectQuery(`SELECT MAX\(capture_time\) AS max_time FROM capture_file_list`).
		WillReturnRows(sqlmock.NewRows([]string{"max_time"}).AddRow(maxTime))
	mocks.sql.ExpectQuery("SELECT \\* FROM `device_task_list` WHERE resolved = \\? AND status = \\? AND end_time < \\?").
		WillReturnRows(staleTaskRows(task))
	mocks.sql.ExpectQuery("SELECT count\\(\\*\\) FROM `capture_file_list`").
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(12))

	resolved, err := mgr.ReconcileTaskResolution(context.Background())

	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}
