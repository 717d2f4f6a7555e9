// Package queue implements the per-source FIFO work queues. Jobs for
// external workers are appended to one list per source; pushing a job also
// records its path in the scan-dedup set as part of the same pipelined
// batch, so a queued job is always a known path.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/dedup"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

const moduleName = "queue"

// KeyPrefix prefixes every per-source work queue key.
const KeyPrefix = "work_queue:"

// Store is the key-value command surface the queue needs.
type Store interface {
	PushListWithMembers(ctx context.Context, listKey, setKey string, payloads [][]byte, members []string) (pushed int, failed int, err error)
	PopListWait(ctx context.Context, keys []string, timeout time.Duration) (key string, payload []byte, ok bool, err error)
	KeysByPattern(ctx context.Context, pattern string) ([]string, error)
}

// KeyFor returns the work queue key of a source.
func KeyFor(sourceID int) string {
	return KeyPrefix + strconv.Itoa(sourceID)
}

// SourceFromKey parses the source id out of a work queue key.
func SourceFromKey(key string) (int, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(key, KeyPrefix))
	if err != nil {
		return 0, false
	}
	return id, true
}

// EnqueueResult counts the per-item outcome of one enqueue batch.
type EnqueueResult struct {
	Succeeded int
	Failed    int
}

// WorkQueue pushes jobs for external workers and serves the internal
// consumer used by the reconciliation loops. Safe for concurrent use.
type WorkQueue struct {
	store   Store
	metrics metrics.Recorder

	mu       sync.Mutex
	rotation []string
}

// NewWorkQueue creates a work queue over the given store.
func NewWorkQueue(store Store, recorder metrics.Recorder) *WorkQueue {
	return &WorkQueue{
		store:   store,
		metrics: recorder,
	}
}

// EnqueueMany appends jobs to their sources' queues, one atomic pipelined
// batch per source, recording each job's path in the source's dedup set
// alongside. Per-item failures are counted, not raised; only a whole-batch
// store failure returns an error.
func (q *WorkQueue) EnqueueMany(ctx context.Context, jobs []model.QueuedJob) (EnqueueResult, error) {
	var result EnqueueResult
	if len(jobs) == 0 {
		return result, nil
	}

	bySource := make(map[int][]model.QueuedJob)
	var order []int
	for _, job := range jobs {
		if _, ok := bySource[job.SourceID]; !ok {
			order = append(order, job.SourceID)
		}
		bySource[job.SourceID] = append(bySource[job.SourceID], job)
	}

	for _, sourceID := range order {
		group := bySource[sourceID]
		payloads := make([][]byte, 0, len(group))
		members := make([]string, 0, len(group))
		for _, job := range group {
			data, err := json.Marshal(job)
			if err != nil {
				logger.Errorf("Failed to encode job for source %d (%s): %v", sourceID, job.FilePath, err)
				result.Failed++
				continue
			}
			payloads = append(payloads, data)
			members = append(members, job.FilePath)
		}
		if len(payloads) == 0 {
			continue
		}

		pushed, failed, err := q.store.PushListWithMembers(ctx, KeyFor(sourceID), dedup.KeyFor(sourceID), payloads, members)
		if err != nil {
			return result, exception.NewTransientStoreError(moduleName, fmt.Sprintf("enqueue batch failed for source %d", sourceID), err)
		}
		result.Succeeded += pushed
		result.Failed += failed
		q.metrics.RecordQueuePush(sourceID, pushed)
	}
	return result, nil
}

// Dequeue pops one job, blocking up to timeout across every known source
// queue. The queue just served rotates to the back of the polling order so
// one busy source cannot starve the rest. Returns nil when the wait timed
// out with nothing to consume.
func (q *WorkQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.QueuedJob, error) {
	keys, err := q.pollingOrder(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	key, payload, ok, err := q.store.PopListWait(ctx, keys, timeout)
	if err != nil {
		return nil, exception.NewTransientStoreError(moduleName, "dequeue failed", err)
	}
	if !ok {
		return nil, nil
	}
	q.rotate(key)

	var job model.QueuedJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, exception.NewCoreError(moduleName, fmt.Sprintf("undecodable job payload on %s", key), err, exception.KindInternal)
	}
	if sourceID, ok := SourceFromKey(key); ok {
		q.metrics.RecordQueuePop(sourceID, 1)
	}
	return &job, nil
}

// pollingOrder refreshes the rotation list against the keys currently
// present: vanished queues drop out, new queues join at the back, and the
// relative order of surviving queues is preserved.
func (q *WorkQueue) pollingOrder(ctx context.Context) ([]string, error) {
	current, err := q.store.KeysByPattern(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, exception.NewTransientStoreError(moduleName, "failed to list work queues", err)
	}
	present := make(map[string]bool, len(current))
	for _, k := range current {
		present[k] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var next []string
	known := make(map[string]bool, len(q.rotation))
	for _, k := range q.rotation {
		if present[k] {
			next = append(next, k)
			known[k] = true
		}
	}
	for _, k := range current {
		if !known[k] {
			next = append(next, k)
		}
	}
	q.rotation = next

	out := make([]string, len(next))
	copy(out, next)
	return out, nil
}

func (q *WorkQueue) rotate(served string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, k := range q.rotation {
		if k == served {
			q.rotation = append(append(q.rotation[:i], q.rotation[i+1:]...), served)
			return
		}
	}
}
