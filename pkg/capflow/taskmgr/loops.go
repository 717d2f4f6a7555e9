package taskmgr

import (
	"context"
	"sync"
	"time"

	"github.com/capflow/capflow/pkg/capflow/core/config"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"
)

// Runner owns the background loops: pending-file reconciliation, task
// resolution, window cache refresh, retention maintenance, and the deferred
// status-update drain. Loops never terminate on error; they log and wait out
// a backoff before the next cycle.
type Runner struct {
	mgr *Manager
	cfg *config.CoreConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates the background loop runner.
func NewRunner(mgr *Manager, cfg *config.CoreConfig) *Runner {
	return &Runner{mgr: mgr, cfg: cfg}
}

// Start launches every loop. Idempotent while running.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.spawnPeriodic(ctx, "reconcile", time.Duration(r.cfg.ReconcileIntervalMinutes)*time.Minute, func(ctx context.Context) error {
		_, err := r.mgr.ReconcileUnresolved(ctx)
		return err
	})
	r.spawnPeriodic(ctx, "resolution-sweep", time.Duration(r.cfg.ResolutionSweepIntervalMinutes)*time.Minute, func(ctx context.Context) error {
		_, err := r.mgr.ReconcileTaskResolution(ctx)
		return err
	})
	r.spawnPeriodic(ctx, "cache-refresh", time.Duration(r.cfg.CacheRefreshIntervalMinutes)*time.Minute, func(ctx context.Context) error {
		return r.mgr.cache.Refresh(ctx)
	})
	r.spawnPeriodic(ctx, "maintenance", time.Duration(r.cfg.MaintenanceIntervalHours)*time.Hour, func(ctx context.Context) error {
		r.mgr.RunMaintenance(ctx)
		return nil
	})

	r.wg.Add(1)
	go r.drainLoop(ctx)

	logger.Infof("Background loops started.")
}

// Stop cancels the loops and waits for them to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	logger.Infof("Background loops stopped.")
}

func (r *Runner) spawnPeriodic(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("Loop '%s' cycle failed: %v", name, err)
				r.backoff(ctx)
			}
		}
	}()
}

// drainLoop continuously applies deferred status updates, idling only when
// the side queue is empty.
func (r *Runner) drainLoop(ctx context.Context) {
	defer r.wg.Done()
	idle := time.Duration(r.cfg.StatusDrainIdleSeconds) * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := r.mgr.DrainStatusUpdates(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Errorf("Status drain cycle failed: %v", err)
			r.backoff(ctx)
			continue
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
		}
	}
}

func (r *Runner) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(r.cfg.ErrorBackoffSeconds) * time.Second):
	}
}
