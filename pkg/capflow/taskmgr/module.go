package taskmgr

import (
	"context"

	"go.uber.org/fx"

	"github.com/capflow/capflow/pkg/capflow/adapter/database"
	"github.com/capflow/capflow/pkg/capflow/adapter/kv"
	"github.com/capflow/capflow/pkg/capflow/core/config"
	"github.com/capflow/capflow/pkg/capflow/dedup"
	"github.com/capflow/capflow/pkg/capflow/infrastructure/metrics"
	"github.com/capflow/capflow/pkg/capflow/partition"
	"github.com/capflow/capflow/pkg/capflow/queue"
	"github.com/capflow/capflow/pkg/capflow/taskcache"
)

// Module wires the orchestrator, the task lifecycle service and the
// background loops. The loops bootstrap and start on application start and
// drain on stop.
var Module = fx.Options(
	fx.Provide(
		func(
			conn *database.Connection,
			txm database.TransactionManager,
			store *kv.Store,
			idx *dedup.Index,
			wq *queue.WorkQueue,
			cache *taskcache.Cache,
			parts *partition.Manager,
			arch Archiver,
			recorder metrics.Recorder,
			cfg *config.Config,
		) *Manager {
			return NewManager(ManagerDeps{
				Conn:      conn,
				Txm:       txm,
				Gate:      store,
				Side:      store,
				Index:     idx,
				Queue:     wq,
				Cache:     cache,
				Parts:     parts,
				Archiver:  arch,
				Metrics:   recorder,
				Core:      &cfg.Capflow.Core,
				ArchiveCf: &cfg.Capflow.Archive,
			})
		},
		func(conn *database.Connection, txm database.TransactionManager, cache *taskcache.Cache) *TaskService {
			return NewTaskService(conn, txm, cache)
		},
		func(mgr *Manager, cfg *config.Config) *Runner {
			return NewRunner(mgr, &cfg.Capflow.Core)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, mgr *Manager, runner *Runner) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := mgr.Bootstrap(ctx); err != nil {
					return err
				}
				runner.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				runner.Stop()
				return nil
			},
		})
	}),
)
