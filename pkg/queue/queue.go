package queue

import (
	"context"
	"errors"

	"github.com/sethwebster/expo-free-agent/pkg/artifacts"
	"github.com/sethwebster/expo-free-agent/pkg/auth"
	"github.com/sethwebster/expo-free-agent/pkg/events"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/metrics"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// claimAttempts bounds the retry loop when claims keep losing to concurrent
// pollers. Exhaustion surfaces ErrConcurrency and the worker polls again.
const claimAttempts = 8

// Engine hands the oldest pending build to polling workers. Claims are
// atomic: the build row flip, the worker status flip, and the bootstrap OTP
// insert commit together or not at all.
type Engine struct {
	store     storage.Store
	authority *auth.Authority
	broker    *events.Broker
}

// NewEngine creates the assignment engine.
func NewEngine(store storage.Store, authority *auth.Authority, broker *events.Broker) *Engine {
	return &Engine{
		store:     store,
		authority: authority,
		broker:    broker,
	}
}

// TryAssignOne attempts to claim the oldest pending build for the worker.
// Returns (nil, nil) when the queue is empty and ErrWorkerBusy when the
// worker already holds a build.
func (e *Engine) TryAssignOne(ctx context.Context, worker *types.Worker) (*types.Assignment, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		otp, err := e.authority.NewBootstrapOTP()
		if err != nil {
			return nil, err
		}

		build, err := e.store.ClaimOldestPending(ctx, worker.ID, otp)
		if errors.Is(err, types.ErrConcurrency) {
			metrics.AssignmentConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		if build == nil {
			return nil, nil
		}

		metrics.AssignmentsTotal.Inc()
		log.WithBuildID(build.ID).Info().
			Str("worker_id", worker.ID).
			Str("platform", string(build.Platform)).
			Msg("build assigned")
		e.broker.Publish(events.NewBuildEvent(events.EventBuildAssigned, build.ID, worker.ID, "build assigned"))

		return &types.Assignment{
			BuildID:      build.ID,
			Platform:     build.Platform,
			SourceHandle: artifacts.RelPath(build.ID, artifacts.TargetSource),
			BootstrapOTP: otp.Secret,
		}, nil
	}
	return nil, types.ErrConcurrency
}

// RebuildFromStore runs at startup and checks that persisted state is
// internally consistent: every assigned or building build must name a worker
// that exists and is itself building. Findings are logged, not repaired; the
// staleness sweep owns requeueing.
func (e *Engine) RebuildFromStore(ctx context.Context) error {
	builds, err := e.store.ListBuildsByStatus(ctx, types.BuildStatusAssigned, types.BuildStatusBuilding)
	if err != nil {
		return err
	}

	logger := log.WithComponent("queue")
	var orphaned int
	for _, b := range builds {
		if b.WorkerID == "" {
			orphaned++
			logger.Warn().Str("build_id", b.ID).Msg("in-progress build has no worker")
			continue
		}
		worker, err := e.store.GetWorker(ctx, b.WorkerID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				orphaned++
				logger.Warn().
					Str("build_id", b.ID).
					Str("worker_id", b.WorkerID).
					Msg("in-progress build references unknown worker")
				continue
			}
			return err
		}
		if worker.Status != types.WorkerStatusBuilding {
			orphaned++
			logger.Warn().
				Str("build_id", b.ID).
				Str("worker_id", worker.ID).
				Str("worker_status", string(worker.Status)).
				Msg("in-progress build held by non-building worker")
		}
	}

	logger.Info().
		Int("in_progress", len(builds)).
		Int("orphaned", orphaned).
		Msg("queue state restored")
	return nil
}

// Depth returns the number of pending builds.
func (e *Engine) Depth(ctx context.Context) (int64, error) {
	counts, err := e.store.CountBuildsByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[types.BuildStatusPending], nil
}
