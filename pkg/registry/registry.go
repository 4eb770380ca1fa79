package registry

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/sethwebster/expo-free-agent/pkg/auth"
	"github.com/sethwebster/expo-free-agent/pkg/builds"
	"github.com/sethwebster/expo-free-agent/pkg/events"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Registry owns worker records. Liveness is the rotating session token:
// every poll rotates it and refreshes last-seen in the same commit, so a
// worker that stops polling expires out on its own.
type Registry struct {
	store     storage.Store
	authority *auth.Authority
	machine   *builds.Machine
	broker    *events.Broker
}

// NewRegistry creates the worker registry.
func NewRegistry(store storage.Store, authority *auth.Authority, machine *builds.Machine, broker *events.Broker) *Registry {
	return &Registry{
		store:     store,
		authority: authority,
		machine:   machine,
		broker:    broker,
	}
}

// Register creates a new worker record and its first session token.
// Re-registration always creates a fresh record; the old one ages out
// through the staleness sweep.
func (r *Registry) Register(ctx context.Context, name string, caps types.Capabilities) (*types.Worker, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", types.Validationf("worker name is required")
	}
	if len(caps.Platforms) == 0 {
		return nil, "", types.Validationf("worker must declare at least one platform")
	}
	for _, p := range caps.Platforms {
		if _, err := types.ParsePlatform(string(p)); err != nil {
			return nil, "", err
		}
	}

	token, expiresAt, err := r.authority.MintSessionToken()
	if err != nil {
		return nil, "", err
	}

	worker := &types.Worker{
		ID:               uuid.New().String(),
		Name:             name,
		Capabilities:     caps,
		Status:           types.WorkerStatusIdle,
		SessionToken:     token,
		SessionExpiresAt: expiresAt,
		LastSeenAt:       types.Now(),
		CreatedAt:        types.Now(),
	}
	if err := r.store.CreateWorker(ctx, worker); err != nil {
		return nil, "", err
	}

	log.WithWorkerID(worker.ID).Info().
		Str("name", name).
		Interface("platforms", caps.Platforms).
		Msg("worker registered")
	r.broker.Publish(events.NewWorkerEvent(events.EventWorkerRegister, worker.ID, "worker "+name+" registered"))
	return worker, token, nil
}

// Heartbeat rotates the worker's session token. The new token, its expiry,
// and last-seen land in one commit; the old token stops authenticating the
// moment the rotation is durable.
func (r *Registry) Heartbeat(ctx context.Context, worker *types.Worker) (string, error) {
	token, expiresAt, err := r.authority.MintSessionToken()
	if err != nil {
		return "", err
	}
	if err := r.store.RotateSession(ctx, worker.ID, token, expiresAt, types.Now()); err != nil {
		return "", err
	}
	return token, nil
}

// MarkOffline transitions a worker to offline. Invoked by the staleness
// sweep; the worker's builds are requeued by the caller in the same pass.
func (r *Registry) MarkOffline(ctx context.Context, tx storage.Store, worker *types.Worker) error {
	if worker.Status == types.WorkerStatusOffline {
		return nil
	}
	worker.Status = types.WorkerStatusOffline
	if err := tx.UpdateWorker(ctx, worker); err != nil {
		return err
	}
	log.WithWorkerID(worker.ID).Warn().Str("name", worker.Name).Msg("worker marked offline")
	r.broker.Publish(events.NewWorkerEvent(events.EventWorkerOffline, worker.ID, "worker "+worker.Name+" went offline"))
	return nil
}

// Unregister handles a graceful worker shutdown: any build it still holds
// is requeued, and the record is stamped offline with a shutdown time.
func (r *Registry) Unregister(ctx context.Context, worker *types.Worker) error {
	err := r.store.Tx(ctx, func(tx storage.Store) error {
		active, err := tx.ListActiveBuildsByWorker(ctx, worker.ID)
		if err != nil {
			return err
		}
		for _, b := range active {
			if err := r.machine.Requeue(ctx, tx, b, "worker "+worker.ID+" unregistered"); err != nil {
				return err
			}
		}

		now := types.Now()
		worker.Status = types.WorkerStatusOffline
		worker.ShutdownAt = &now
		worker.SessionToken = ""
		return tx.UpdateWorker(ctx, worker)
	})
	if err != nil {
		return err
	}

	log.WithWorkerID(worker.ID).Info().Str("name", worker.Name).Msg("worker unregistered")
	r.broker.Publish(events.NewWorkerEvent(events.EventWorkerShutdown, worker.ID, "worker "+worker.Name+" unregistered"))
	return nil
}

// Get returns a worker by id.
func (r *Registry) Get(ctx context.Context, id string) (*types.Worker, error) {
	return r.store.GetWorker(ctx, id)
}

// List returns all worker records.
func (r *Registry) List(ctx context.Context) ([]*types.Worker, error) {
	return r.store.ListWorkers(ctx)
}
