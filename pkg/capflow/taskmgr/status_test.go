package taskmgr_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capflow/capflow/pkg/capflow/adapter/kv"
	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/taskmgr"
)

func TestUpdateStatus_PartitionScoped(t *testing.T) {
	mgr, mocks := newTestManager(t)
	captureTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mocks.parts.names = []string{"p_20260301"}

	mocks.sql.ExpectExec(`UPDATE capture_file_list PARTITION \(p_20260301\) SET relevant = \? WHERE content_hash = \?`).
		WithArgs(1, "abc123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok := mgr.UpdateStatus(context.Background(), "abc123", captureTime, 1)

	assert.True(t, ok)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestUpdateStatus_FallsBackWhenScopedUpdateMissesRow(t *testing.T) {
	mgr, mocks := newTestManager(t)
	captureTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mocks.parts.names = []string{"p_20260301"}

	mocks.sql.ExpectExec(`UPDATE capture_file_list PARTITION \(p_20260301\) SET relevant = \? WHERE content_hash = \?`).
		WithArgs(1, "abc123").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mocks.sql.ExpectExec(`UPDATE capture_file_list SET relevant = \? WHERE content_hash = \?`).
		WithArgs(1, "abc123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok := mgr.UpdateStatus(context.Background(), "abc123", captureTime, 1)

	assert.True(t, ok)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestUpdateStatus_UnscopedWhenPartitionUnknown(t *testing.T) {
	mgr, mocks := newTestManager(t)
	captureTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// No partition covers the capture day (e.g. already dropped).
	mocks.parts.names = nil

	mocks.sql.ExpectExec(`UPDATE capture_file_list SET relevant = \? WHERE content_hash = \?`).
		WithArgs(0, "abc123").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok := mgr.UpdateStatus(context.Background(), "abc123", captureTime, 0)

	assert.False(t, ok)
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestUpdateStatus_FailureIsLoggedNotRaised(t *testing.T) {
	mgr, mocks := newTestManager(t)
	captureTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mocks.sql.ExpectExec(`UPDATE capture_file_list SET relevant = \?`).
		WillReturnError(errors.New("server gone away"))

	ok := mgr.UpdateStatus(context.Background(), "abc123", captureTime, 1)

	assert.False(t, ok)
}

func TestUpdateFileStatus_RejectsPathWithoutTimestamp(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.UpdateFileStatus(context.Background(), "abc123", "/data/no-stamp.bin", 1)

	assert.True(t, exception.IsValidation(err))
}

func TestUpdateFileStatus_DefersUnderMemoryPressure(t *testing.T) {
	mgr, mocks := newTestManager(t)
	mocks.gate.info = kv.MemoryInfo{Used: 99, MaxMemory: 100, Ratio: 99}

	ok, err := mgr.UpdateFileStatus(context.Background(), "abc123", "/data/cap_20260301120000.bin", 1)

	require.NoError(t, err)
	assert.True(t, ok)
	// The update is parked, not written.
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
	require.Len(t, mocks.side.lists[taskmgr.StatusUpdateKey], 1)

	var update model.StatusUpdate
	require.NoError(t, json.Unmarshal(mocks.side.lists[taskmgr.StatusUpdateKey][0], &update))
	assert.Equal(t, "abc123", update.ContentHash)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), update.CaptureTime.UTC())
	assert.Equal(t, 1, update.Relevant)
}

func TestUpdateFileStatus_ProbeFailureAppliesDirectly(t *testing.T) {
	mgr, mocks := newTestManager(t)
	mocks.gate.err = errors.New("connection refused")

	mocks.sql.ExpectExec(`UPDATE capture_file_list SET relevant = \?`).
		WithArgs(1, "abc123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := mgr.UpdateFileStatus(context.Background(), "abc123", "/data/cap_20260301120000.bin", 1)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, mocks.side.lists[taskmgr.StatusUpdateKey])
}

func TestDrainStatusUpdates_AppliesParkedEntries(t *testing.T) {
	mgr, mocks := newTestManager(t)
	captureTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	payload, err := json.Marshal(model.StatusUpdate{ContentHash: "abc123", CaptureTime: captureTime, Relevant: 1})
	require.NoError(t, err)
	mocks.side.lists[taskmgr.StatusUpdateKey] = [][]byte{
		[]byte("{not json"),
		payload,
	}

	mocks.sql.ExpectExec(`UPDATE capture_file_list SET relevant = \?`).
		WithArgs(1, "abc123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	processed, err := mgr.DrainStatusUpdates(context.Background())

	require.NoError(t, err)
	// The undecodable entry is dropped without counting.
	assert.Equal(t, 1, processed)
	assert.Empty(t, mocks.side.lists[taskmgr.StatusUpdateKey])
	assert.NoError(t, mocks.sql.ExpectationsWereMet())
}

func TestDrainStatusUpdates_EmptyQueue(t *testing.T) {
	mgr, _ := newTestManager(t)

	processed, err := mgr.DrainStatusUpdates(context.Background())

	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestDrainStatusUpdates_PopFailureStopsDrain(t *testing.T) {
	mgr, mocks := newTestManager(t)
	mocks.side.popErr = errors.New("connection reset")

	_, err := mgr.DrainStatusUpdates(context.Background())

	assert.True(t, exception.IsKind(err, exception.KindTransientStore))
}
