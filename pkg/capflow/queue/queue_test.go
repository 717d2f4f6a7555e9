package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/dedup"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
	"github.com/capflow/capflow/pkg/capflow/queue"
)

// fakeStore models the list and set commands the queue uses.
type fakeStore struct {
	lists map[string][][]byte
	sets  map[string][]string
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lists: make(map[string][][]byte),
		sets:  make(map[string][]string),
	}
}

func (f *fakeStore) PushListWithMembers(_ context.Context, listKey, setKey string, payloads [][]byte, members []string) (int, int, error) {
	if f.err != nil {
		return 0, len(payloads), f.err
	}
	f.lists[listKey] = append(f.lists[listKey], payloads...)
	f.sets[setKey] = append(f.sets[setKey], members...)
	return len(payloads), 0, nil
}

func (f *fakeStore) PopListWait(_ context.Context, keys []string, _ time.Duration) (string, []byte, bool, error) {
	if f.err != nil {
		return "", nil, false, f.err
	}
	for _, key := range keys {
		if list := f.lists[key]; len(list) > 0 {
			head := list[0]
			f.lists[key] = list[1:]
			if len(f.lists[key]) == 0 {
				delete(f.lists, key)
			}
			return key, head, true, nil
		}
	}
	return "", nil, false, nil
}

func (f *fakeStore) KeysByPattern(_ context.Context, pattern string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var keys []string
	for k := range f.lists {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func job(sourceID int, path string) model.QueuedJob {
	return model.QueuedJob{
		SourceID:    sourceID,
		FilePath:    path,
		CaptureTime: time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
		DataType:    "T",
		DeviceID:    "D1",
		ContentHash: "hash-" + path,
	}
}

func TestEnqueueMany_GroupsBySourceAndRecordsDedup(t *testing.T) {
	store := newFakeStore()
	q := queue.NewWorkQueue(store, metrics.NopRecorder{})

	result, err := q.EnqueueMany(context.Background(), []model.QueuedJob{
		job(1, "a/1.cap"),
		job(2, "b/1.cap"),
		job(1, "a/2.cap"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	assert.Len(t, store.lists[queue.KeyFor(1)], 2)
	assert.Len(t, store.lists[queue.KeyFor(2)], 1)
	assert.Equal(t, []string{"a/1.cap", "a/2.cap"}, store.sets[dedup.KeyFor(1)])
	assert.Equal(t, []string{"b/1.cap"}, store.sets[dedup.KeyFor(2)])
}

func TestEnqueueMany_PreservesFIFOOrder(t *testing.T) {
	store := newFakeStore()
	q := queue.NewWorkQueue(store, metrics.NopRecorder{})
	ctx := context.Background()

	_, err := q.EnqueueMany(ctx, []model.QueuedJob{
		job(1, "a/1.cap"), job(1, "a/2.cap"), job(1, "a/3.cap"),
	})
	require.NoError(t, err)

	var paths []string
	for {
		j, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		if j == nil {
			break
		}
		paths = append(paths, j.FilePath)
	}
	assert.Equal(t, []string{"a/1.cap", "a/2.cap", "a/3.cap"}, paths)
}

func TestEnqueueMany_StoreFailureAborts(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	q := queue.NewWorkQueue(store, metrics.NopRecorder{})

	_, err := q.EnqueueMany(context.Background(), []model.QueuedJob{job(1, "a/1.cap")})
	require.Error(t, err)
}

func TestDequeue_EmptyQueuesReturnNil(t *testing.T) {
	store := newFakeStore()
	q := queue.NewWorkQueue(store, metrics.NopRecorder{})

	j, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestDequeue_RotatesServedQueue(t *testing.T) {
	store := newFakeStore()
	q := queue.NewWorkQueue(store, metrics.NopRecorder{})
	ctx := context.Background()

	_, err := q.EnqueueMany(ctx, []model.QueuedJob{
		job(1, "a/1.cap"), job(1, "a/2.cap"),
		job(2, "b/1.cap"), job(2, "b/2.cap"),
	})
	require.NoError(t, err)

	// The fake pops from the first non-empty key in polling order, so
	// consumption alternates between the two sources.
	var sources []int
	for i := 0; i < 4; i++ {
		j, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, j)
		sources = append(sources, j.SourceID)
	}
	assert.Equal(t, []int{1, 2, 1, 2}, sources)
}

func TestDequeue_UndecodablePayloadIsError(t *testing.T) {
	store := newFakeStore()
	store.lists[queue.KeyFor(1)] = [][]byte{[]byte("not-json")}
	q := queue.NewWorkQueue(store, metrics.NopRecorder{})

	_, err := q.Dequeue(context.Background(), time.Second)
	require.Error(t, err)
}

func TestQueuePayloadRoundTrip(t *testing.T) {
	in := job(9, "x/20240110100000.cap")
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out model.QueuedJob
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
