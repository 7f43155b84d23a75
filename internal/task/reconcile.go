package task

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Loader is the part of the data access layer the reconciler drives.
type Loader interface {
	LoadAll(ctx context.Context) error
	Persist(ctx context.Context) error
}

// Reconciler periodically reloads every collection from the record store so
// that a missed change notification never leaves the cache stale for long.
type Reconciler struct {
	loader  Loader
	cron    *cron.Cron
	timeout time.Duration
	log     zerolog.Logger
}

func NewReconciler(loader Loader, schedule string, log zerolog.Logger) (*Reconciler, error) {
	r := &Reconciler{
		loader:  loader,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 2 * time.Minute,
		log:     log,
	}
	if _, err := r.cron.AddFunc(schedule, r.job); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reconciler) Start() {
	r.cron.Start()
	r.log.Info().Msg("reconciliation scheduled")
}

// Stop prevents further runs and waits for a running one to finish or for
// ctx to end.
func (r *Reconciler) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce reloads everything and saves the snapshot on success.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if err := r.loader.LoadAll(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := r.loader.Persist(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

func (r *Reconciler) job() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	started := time.Now()
	if err := r.RunOnce(ctx); err != nil {
		r.log.Warn().Err(err).Msg("reconciliation failed")
		return
	}
	r.log.Debug().Dur("elapsed", time.Since(started)).Msg("reconciliation done")
}
