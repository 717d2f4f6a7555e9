package taskmgr

import (
	"context"

	"github.com/capflow/capflow/pkg/capflow/partition"
	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// RunMaintenance performs the periodic retention sweep: expired partitions
// are archived (best effort) and dropped, then the scan-dedup index is
// pruned to the retention horizon. Both halves are best-effort; a failure in
// one is logged and does not block the other.
func (m *Manager) RunMaintenance(ctx context.Context) {
	var beforeDrop func(context.Context, partition.DayPartition) error
	if m.arch != nil && m.archCfg.Enabled {
		beforeDrop = m.arch.ArchivePartition
	}

	dropped, err := m.parts.ExpirePartitions(ctx, m.cfg.PartitionRetentionDays, beforeDrop)
	if err != nil {
		logger.Errorf("Partition expiry sweep failed: %v", err)
	} else if len(dropped) > 0 {
		logger.Infof("Maintenance dropped %d expired partitions.", len(dropped))
	}

	pruned, err := m.idx.PruneExpired(ctx, m.cfg.ScanRetentionDays)
	if err != nil {
		logger.Errorf("Dedup prune failed: %v", err)
	} else if pruned > 0 {
		logger.Infof("Maintenance pruned %d dedup entries.", pruned)
	}
}

// Bootstrap prepares the in-memory state at process start: the partition
// scheme is loaded, an initial retention sweep runs, the dedup index is
// reseeded from the surviving partitions, and the per-source max capture
// times are recovered from the index itself.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if err := m.parts.Refresh(ctx); err != nil {
		return err
	}
	if err := m.cache.Refresh(ctx); err != nil {
		return err
	}

	m.RunMaintenance(ctx)

	if err := m.RebuildDedupIndex(ctx); err != nil {
		logger.Errorf("Dedup rebuild failed, continuing with a partial index: %v", err)
	}
	if err := m.idx.SeedMaxTimes(ctx); err != nil {
		logger.Errorf("Max-time seeding failed: %v", err)
	}
	return nil
}

// RebuildDedupIndex reseeds the scan-dedup sets from the rows still present
// in the partitioned store, so a wiped key-value store does not cause
// re-ingestion of everything the table already holds.
func (m *Manager) RebuildDedupIndex(ctx context.Context) error {
	pageSize := m.cfg.InsertBatchSize
	db := m.conn.GormDB().WithContext(ctx)

	type pathRow struct {
		SourceID int    `gorm:"column:source_id"`
		FilePath string `gorm:"column:file_path"`
	}

	offset := 0
	seeded := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rows []pathRow
		err := db.Raw(
			"SELECT DISTINCT source_id, file_path FROM capture_file_list ORDER BY source_id, file_path LIMIT ? OFFSET ?",
			pageSize, offset,
		).Scan(&rows).Error
		if err != nil {
			return exception.NewTransientStoreError(moduleName, "dedup rebuild scan failed", err)
		}
		if len(rows) == 0 {
			break
		}

		bySource := make(map[int][]string)
		for _, r := range rows {
			bySource[r.SourceID] = append(bySource[r.SourceID], r.FilePath)
		}
		for sourceID, paths := range bySource {
			if err := m.idx.RecordSeen(ctx, sourceID, paths...); err != nil {
				return err
			}
			seeded += len(paths)
		}

		if len(rows) < pageSize {
			break
		}
		offset += pageSize
	}

	logger.Infof("Rebuilt scan-dedup index with %d entries.", seeded)
	return nil
}
