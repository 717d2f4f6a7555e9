// Package dedup maintains the scan-dedup index: one membership set per
// source holding every file path already accepted from that source. The
// scanner consults it before re-submitting directory listings; entries age
// out relative to the newest capture time seen per source, never relative to
// the wall clock.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/fileinfo"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

const moduleName = "dedup"

// KeyPrefix prefixes every per-source membership set key.
const KeyPrefix = "seen_files:"

// scanPageSize bounds one SSCAN page during pruning and seeding.
const scanPageSize = 1000

// Store is the key-value command surface the index needs.
type Store interface {
	AddMembers(ctx context.Context, key string, members []string) error
	RemoveMembers(ctx context.Context, key string, members []string) error
	Membership(ctx context.Context, key string, members []string) ([]bool, error)
	ScanMembers(ctx context.Context, key string, cursor uint64, count int64) ([]string, uint64, error)
	KeysByPattern(ctx context.Context, pattern string) ([]string, error)
}

// KeyFor returns the membership set key of a source.
func KeyFor(sourceID int) string {
	return KeyPrefix + strconv.Itoa(sourceID)
}

// SourceFromKey parses the source id out of a membership set key.
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

// Index answers "have we seen this path before" per source. Index errors are
// hard failures: an unavailable index must never make everything look
// unseen.
type Index struct {
	store   Store
	metrics metrics.Recorder

	mu      sync.Mutex
	maxSeen map[int]time.Time
}

// NewIndex creates a scan-dedup index over the given store.
func NewIndex(store Store, recorder metrics.Recorder) *Index {
	return &Index{
		store:   store,
		metrics: recorder,
		maxSeen: make(map[int]time.Time),
	}
}

// FilterUnseen returns the subset of paths not yet recorded for the source,
// preserving input order.
func (i *Index) FilterUnseen(ctx context.Context, sourceID int, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	seen, err := i.store.Membership(ctx, KeyFor(sourceID), paths)
	if err != nil {
		return nil, exception.NewTransientStoreError(moduleName, fmt.Sprintf("membership test failed for source %d", sourceID), err)
	}
	var unseen []string
	for idx, path := range paths {
		if !seen[idx] {
			unseen = append(unseen, path)
		}
	}
	return unseen, nil
}

// RecordSeen adds paths to the source's set and advances the source's
// maximum observed capture time from any timestamps embedded in the paths.
// Already present paths are no-ops.
func (i *Index) RecordSeen(ctx context.Context, sourceID int, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := i.store.AddMembers(ctx, KeyFor(sourceID), paths); err != nil {
		return exception.NewTransientStoreError(moduleName, fmt.Sprintf("failed to record %d paths for source %d", len(paths), sourceID), err)
	}
	for _, p := range paths {
		if t, ok := fileinfo.TimeFromPath(p); ok {
			i.Observe(sourceID, t)
		}
	}
	return nil
}

// Forget removes paths from the source's set. Missing paths are no-ops.
func (i *Index) Forget(ctx context.Context, sourceID int, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := i.store.RemoveMembers(ctx, KeyFor(sourceID), paths); err != nil {
		return exception.NewTransientStoreError(moduleName, fmt.Sprintf("failed to forget %d paths for source %d", len(paths), sourceID), err)
	}
	return nil
}

// Observe advances the per-source maximum capture time. Callers that push
// jobs through the work queue pipeline record membership there and report
// the capture times here.
func (i *Index) Observe(sourceID int, captureTime time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if captureTime.After(i.maxSeen[sourceID]) {
		i.maxSeen[sourceID] = captureTime
	}
}

// MaxCaptureTime reports the newest capture time observed for a source.
func (i *Index) MaxCaptureTime(sourceID int) (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.maxSeen[sourceID]
	return t, ok
}

// SeedMaxTimes rebuilds the per-source maximum capture time map by scanning
// every membership set. Run once at startup.
func (i *Index) SeedMaxTimes(ctx context.Context) error {
	keys, err := i.store.KeysByPattern(ctx, KeyPrefix+"*")
	if err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to list membership sets", err)
	}
	for _, key := range keys {
		sourceID, ok := SourceFromKey(key)
		if !ok {
			logger.Warnf("Ignoring foreign key '%s' during max-time seeding.", key)
			continue
		}
		maxTime, err := i.scanMaxTime(ctx, key)
		if err != nil {
			return err
		}
		if !maxTime.IsZero() {
			i.Observe(sourceID, maxTime)
		}
	}
	logger.Infof("Seeded max capture times for %d sources.", len(keys))
	return nil
}

func (i *Index) scanMaxTime(ctx context.Context, key string) (time.Time, error) {
	var maxTime time.Time
	var cursor uint64
	for {
		members, next, err := i.store.ScanMembers(ctx, key, cursor, scanPageSize)
		if err != nil {
			return time.Time{}, exception.NewTransientStoreError(moduleName, fmt.Sprintf("scan failed for %s", key), err)
		}
		for _, m := range members {
			if t, ok := fileinfo.TimeFromPath(m); ok && t.After(maxTime) {
				maxTime = t
			}
		}
		if next == 0 {
			return maxTime, nil
		}
		cursor = next
	}
}

// PruneExpired walks every membership set in bounded pages and removes
// entries older than maxAgeDays relative to the source's maximum observed
// capture time. Entries whose capture time cannot be parsed are treated as
// expired. Returns the number of removed entries.
func (i *Index) PruneExpired(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	keys, err := i.store.KeysByPattern(ctx, KeyPrefix+"*")
	if err != nil {
		return 0, exception.NewTransientStoreError(moduleName, "failed to list membership sets", err)
	}

	total := 0
	for _, key := range keys {
		sourceID, ok := SourceFromKey(key)
		if !ok {
			continue
		}
		removed, err := i.pruneSource(ctx, key, sourceID, maxAgeDays)
		if err != nil {
			return total, err
		}
		total += removed
	}
	if total > 0 {
		i.metrics.RecordDedupPrune(total)
		logger.Infof("Pruned %d expired entries from the scan-dedup index.", total)
	}
	return total, nil
}

func (i *Index) pruneSource(ctx context.Context, key string, sourceID int, maxAgeDays int) (int, error) {
	refTime, ok := i.MaxCaptureTime(sourceID)
	if !ok {
		// No observation yet for this source; recover the reference from
		// the set itself.
		seeded, err := i.scanMaxTime(ctx, key)
		if err != nil {
			return 0, err
		}
		if seeded.IsZero() {
			// Only unparsable entries in the set; everything expires.
			refTime = time.Time{}
		} else {
			i.Observe(sourceID, seeded)
			refTime = seeded
		}
	}
	cutoff := refTime.AddDate(0, 0, -maxAgeDays)

	removed := 0
	var cursor uint64
	for {
		members, next, err := i.store.ScanMembers(ctx, key, cursor, scanPageSize)
		if err != nil {
			return removed, exception.NewTransientStoreError(moduleName, fmt.Sprintf("scan failed for %s", key), err)
		}

		var expired []string
		for _, m := range members {
			t, ok := fileinfo.TimeFromPath(m)
			if !ok || t.Before(cutoff) {
				expired = append(expired, m)
			}
		}
		if len(expired) > 0 {
			if err := i.store.RemoveMembers(ctx, key, expired); err != nil {
				return removed, exception.NewTransientStoreError(moduleName, fmt.Sprintf("failed to remove expired entries from %s", key), err)
			}
			removed += len(expired)
		}

		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
