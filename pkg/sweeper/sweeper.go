package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/sethwebster/expo-free-agent/pkg/builds"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/metrics"
	"github.com/sethwebster/expo-free-agent/pkg/registry"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Sweeper periodically reaps stale workers, requeues their builds, and
// removes expired token records. Each worker is handled in its own
// transaction so a crash mid-sweep leaves no partial state.
type Sweeper struct {
	store     storage.Store
	registry  *registry.Registry
	machine   *builds.Machine
	staleness time.Duration
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewSweeper creates the staleness sweeper.
func NewSweeper(store storage.Store, reg *registry.Registry, machine *builds.Machine, staleness, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		registry:  reg,
		machine:   machine,
		staleness: staleness,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	log.WithComponent("sweeper").Info().
		Dur("interval", s.interval).
		Dur("staleness", s.staleness).
		Msg("starting staleness sweeper")
	go s.run()
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
	log.WithComponent("sweeper").Info().Msg("staleness sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one reap cycle. Exported so tests and startup can invoke it
// directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		metrics.SweepCyclesTotal.Inc()
		timer.ObserveDuration(metrics.SweepDuration)
	}()

	logger := log.WithComponent("sweeper")

	cutoff := types.Now().Add(-s.staleness)
	stale, err := s.store.ListStaleWorkers(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list stale workers")
		return
	}

	for _, worker := range stale {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.reapWorker(ctx, worker.ID, cutoff); err != nil {
			logger.Error().Err(err).
				Str("worker_id", worker.ID).
				Msg("failed to reap stale worker")
		}
	}

	removed, err := s.store.DeleteExpiredTokens(ctx, types.Now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to delete expired tokens")
	} else if removed > 0 {
		logger.Debug().Int64("removed", removed).Msg("expired tokens deleted")
	}
}

// reapWorker marks one stale worker offline and returns its in-progress
// builds to the queue, all in one transaction.
func (s *Sweeper) reapWorker(ctx context.Context, workerID string, cutoff time.Time) error {
	var requeued int
	var name string
	reaped := false
	err := s.store.Tx(ctx, func(tx storage.Store) error {
		// The stale listing ran outside this transaction; a worker that
		// polled in between is live again and must be left alone.
		worker, err := tx.GetWorker(ctx, workerID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil
			}
			return err
		}
		if worker.Status == types.WorkerStatusOffline || !worker.LastSeenAt.Before(cutoff) {
			return nil
		}

		if err := s.registry.MarkOffline(ctx, tx, worker); err != nil {
			return err
		}
		reaped = true
		name = worker.Name
		active, err := tx.ListActiveBuildsByWorker(ctx, workerID)
		if err != nil {
			return err
		}
		for _, b := range active {
			if err := s.machine.Requeue(ctx, tx, b, "worker "+workerID+" went stale"); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil || !reaped {
		return err
	}

	metrics.WorkersReaped.Inc()
	metrics.BuildsRequeued.Add(float64(requeued))
	log.WithComponent("sweeper").Warn().
		Str("worker_id", workerID).
		Str("name", name).
		Int("requeued", requeued).
		Msg("stale worker reaped")
	return nil
}
