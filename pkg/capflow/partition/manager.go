// Package partition manages the day-grained range partitions of the
// capture_file_list table. Partitions are named p_YYYYMMDD and bounded by
// TO_DAYS of the following day, so every calendar day of capture time maps
// into exactly one partition once the scheme is in place.
package partition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/core/model"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/fileinfo"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

const moduleName = "partition"

// NamePrefix prefixes every managed partition name.
const NamePrefix = "p_"

const nameLayout = "20060102"

// tableName is the partitioned table this manager owns.
const tableName = "capture_file_list"

// DayPartition pairs a partition name with the calendar day it was created
// for.
type DayPartition struct {
	Name string
	Day  time.Time
}

// Manager owns the partition scheme of capture_file_list. All DDL goes
// through the manager so the in-memory view of the scheme stays consistent
// with the table. Safe for concurrent use.
type Manager struct {
	conn    *database.Connection
	metrics metrics.Recorder

	mu     sync.Mutex
	loaded bool
	parts  map[string]DayPartition
}

// NewManager creates a partition manager. The existing scheme is loaded
// lazily on first use.
func NewManager(conn *database.Connection, recorder metrics.Recorder) *Manager {
	return &Manager{
		conn:    conn,
		metrics: recorder,
		parts:   make(map[string]DayPartition),
	}
}

// NameFor returns the partition name covering the given day.
func NameFor(day time.Time) string {
	return NamePrefix + fileinfo.DayOf(day).Format(nameLayout)
}

// DayFromName parses the day out of a managed partition name.
func DayFromName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, NamePrefix) {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(nameLayout, strings.TrimPrefix(name, NamePrefix), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// boundaryClause renders the upper bound of a day partition. The bound is
// the first instant of the following day.
func boundaryClause(day time.Time) string {
	next := fileinfo.DayOf(day).AddDate(0, 0, 1)
	return fmt.Sprintf("TO_DAYS('%s')", next.Format("2006-01-02"))
}

// Refresh reloads the partition scheme from information_schema, discarding
// the cached view.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context) error {
	rows := []struct {
		PartitionName string `gorm:"column:PARTITION_NAME"`
	}{}
	err := m.conn.GormDB().WithContext(ctx).Raw(
		`SELECT PARTITION_NAME FROM information_schema.PARTITIONS `+
			`WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND PARTITION_NAME IS NOT NULL `+
			`ORDER BY PARTITION_ORDINAL_POSITION`, tableName,
	).Scan(&rows).Error
	if err != nil {
		return exception.NewTransientStoreError(moduleName, "failed to load partition scheme", err)
	}

	parts := make(map[string]DayPartition, len(rows))
	for _, row := range rows {
		day, ok := DayFromName(row.PartitionName)
		if !ok {
			logger.Warnf("Ignoring unmanaged partition '%s' on %s.", row.PartitionName, tableName)
			continue
		}
		parts[row.PartitionName] = DayPartition{Name: row.PartitionName, Day: day}
	}
	m.parts = parts
	m.loaded = true
	logger.Debugf("Loaded %d partitions for %s.", len(parts), tableName)
	return nil
}

// EnsureDays makes sure a partition boundary covers every given capture day.
// Days already inside the scheme are no-ops. A day newer than the current
// maximum extends the scheme with one partition per missing day up to it,
// keeping the boundary list contiguous and sorted. A day older than the
// current minimum forces a full re-partition over the complete day range,
// which MySQL requires for prepending a range boundary.
func (m *Manager) EnsureDays(ctx context.Context, days []time.Time) error {
	wanted := dedupeDays(days)
	if len(wanted) == 0 {
		return nil
	}

	// Cheap pre-check without the lock; the common case is an already
	// covered day.
	if m.coversAll(wanted) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return err
		}
	}

	for _, day := range wanted {
		if err := m.ensureDayLocked(ctx, day); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureDayLocked(ctx context.Context, day time.Time) error {
	// Re-check under the lock; a concurrent caller may have created the
	// partition while this one waited.
	if _, ok := m.parts[NameFor(day)]; ok {
		return nil
	}

	if len(m.parts) == 0 {
		return m.partitionTableLocked(ctx, []time.Time{day}, "create")
	}

	minDay, maxDay := m.boundsLocked()
	switch {
	case day.After(maxDay):
		// Fill every day from the current maximum up to the new one so
		// the boundary list stays contiguous.
		for d := maxDay.AddDate(0, 0, 1); !d.After(day); d = d.AddDate(0, 0, 1) {
			if _, ok := m.parts[NameFor(d)]; ok {
				continue
			}
			if err := m.appendPartitionLocked(ctx, d); err != nil {
				return err
			}
		}
		return nil
	case day.Before(minDay):
		// Prepending a range boundary needs a full re-partition over
		// the complete day span.
		var all []time.Time
		for d := day; !d.After(maxDay); d = d.AddDate(0, 0, 1) {
			all = append(all, d)
		}
		return m.partitionTableLocked(ctx, all, "rebuild")
	default:
		// A day between existing boundaries lands in the next higher
		// partition; no DDL needed.
		return nil
	}
}

// partitionTableLocked issues a full PARTITION BY RANGE statement covering
// the given days. Used for the first partitioning of the table and for
// rebuilds when an older day must be prepended.
func (m *Manager) partitionTableLocked(ctx context.Context, days []time.Time, op string) error {
	defs := make([]string, 0, len(days))
	for _, day := range days {
		defs = append(defs, fmt.Sprintf("PARTITION %s VALUES LESS THAN (%s)", NameFor(day), boundaryClause(day)))
	}
	stmt := fmt.Sprintf(
		"ALTER TABLE %s PARTITION BY RANGE (TO_DAYS(capture_time)) (%s)",
		tableName, strings.Join(defs, ", "),
	)

	if err := m.conn.GormDB().WithContext(ctx).Exec(stmt).Error; err != nil {
		return exception.NewSchemaEvolutionError(moduleName, fmt.Sprintf("failed to %s partition scheme", op), err)
	}

	m.parts = make(map[string]DayPartition, len(days))
	for _, day := range days {
		name := NameFor(day)
		m.parts[name] = DayPartition{Name: name, Day: day}
	}
	m.metrics.RecordPartitionOp(op)
	logger.Infof("Partition scheme %s on %s: %d partitions.", op, tableName, len(days))
	return nil
}

func (m *Manager) appendPartitionLocked(ctx context.Context, day time.Time) error {
	name := NameFor(day)
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ADD PARTITION (PARTITION %s VALUES LESS THAN (%s))",
		tableName, name, boundaryClause(day),
	)
	if err := m.conn.GormDB().WithContext(ctx).Exec(stmt).Error; err != nil {
		return exception.NewSchemaEvolutionError(moduleName, fmt.Sprintf("failed to add partition %s", name), err)
	}
	m.parts[name] = DayPartition{Name: name, Day: day}
	m.metrics.RecordPartitionOp("append")
	logger.Infof("Added partition %s to %s.", name, tableName)
	return nil
}

// ExpireCandidates lists the partitions older than the retention horizon,
// oldest first. The horizon is measured from the newest partition day, not
// from the wall clock, so a stalled ingest never drops data on its own.
func (m *Manager) ExpireCandidates(ctx context.Context, retentionDays int) ([]DayPartition, error) {
	if retentionDays <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return nil, err
		}
	}
	if len(m.parts) == 0 {
		return nil, nil
	}

	_, maxDay := m.boundsLocked()
	cutoff := maxDay.AddDate(0, 0, -retentionDays)

	var out []DayPartition
	for _, p := range m.parts {
		if p.Day.Before(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// ExpirePartitions drops every partition beyond the retention horizon,
// oldest first. beforeDrop, when set, runs once per partition ahead of the
// drop; its failure is logged and does not block the drop. A failed drop is
// likewise logged and the sweep continues with the remaining partitions.
func (m *Manager) ExpirePartitions(ctx context.Context, retentionDays int, beforeDrop func(context.Context, DayPartition) error) ([]string, error) {
	candidates, err := m.ExpireCandidates(ctx, retentionDays)
	if err != nil {
		return nil, err
	}

	var dropped []string
	for _, p := range candidates {
		if beforeDrop != nil {
			if err := beforeDrop(ctx, p); err != nil {
				logger.Warnf("Pre-drop hook failed for partition %s: %v", p.Name, err)
			}
		}
		if err := m.DropPartition(ctx, p.Name); err != nil {
			logger.Errorf("Failed to drop expired partition %s: %v", p.Name, err)
			continue
		}
		dropped = append(dropped, p.Name)
	}
	return dropped, nil
}

// DropPartition removes one partition and its rows.
func (m *Manager) DropPartition(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.parts[name]; !ok && m.loaded {
		return exception.NewValidationError(moduleName, "unknown partition '%s'", name)
	}

	stmt := fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", tableName, name)
	if err := m.conn.GormDB().WithContext(ctx).Exec(stmt).Error; err != nil {
		return exception.NewSchemaEvolutionError(moduleName, fmt.Sprintf("failed to drop partition %s", name), err)
	}
	delete(m.parts, name)
	m.metrics.RecordPartitionOp("drop")
	logger.Infof("Dropped partition %s from %s.", name, tableName)
	return nil
}

// PartitionsFor returns the names of partitions whose day falls into any of
// the given time ranges, ordered by day. Reconciliation scans only these.
func (m *Manager) PartitionsFor(ctx context.Context, ranges []model.TimeRange) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if err := m.loadLocked(ctx); err != nil {
			return nil, err
		}
	}

	var hit []DayPartition
	for _, p := range m.parts {
		for _, r := range ranges {
			startDay := fileinfo.DayOf(r.Start)
			endDay := fileinfo.DayOf(r.End)
			if !p.Day.Before(startDay) && !p.Day.After(endDay) {
				hit = append(hit, p)
				break
			}
		}
	}
	sort.Slice(hit, func(i, j int) bool { return hit[i].Day.Before(hit[j].Day) })

	names := make([]string, len(hit))
	for i, p := range hit {
		names[i] = p.Name
	}
	return names, nil
}

// Names returns the current partition names ordered by day.
func (m *Manager) Names(ctx context.Context) ([]string, error) {
	return m.PartitionsFor(ctx, []model.TimeRange{{
		Start: time.Time{},
		End:   time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	}})
}

func (m *Manager) coversAll(days []time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return false
	}
	return len(m.missingLocked(days)) == 0
}

// missingLocked returns the days with no matching partition, sorted
// ascending.
func (m *Manager) missingLocked(days []time.Time) []time.Time {
	var out []time.Time
	for _, day := range days {
		if _, ok := m.parts[NameFor(day)]; !ok {
			out = append(out, day)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *Manager) boundsLocked() (minDay, maxDay time.Time) {
	first := true
	for _, p := range m.parts {
		if first {
			minDay, maxDay = p.Day, p.Day
			first = false
			continue
		}
		if p.Day.Before(minDay) {
			minDay = p.Day
		}
		if p.Day.After(maxDay) {
			maxDay = p.Day
		}
	}
	return minDay, maxDay
}

// dedupeDays normalizes times to UTC days and removes duplicates, sorted
// ascending.
func dedupeDays(days []time.Time) []time.Time {
	seen := make(map[string]time.Time, len(days))
	for _, d := range days {
		day := fileinfo.DayOf(d)
		seen[day.Format(nameLayout)] = day
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
