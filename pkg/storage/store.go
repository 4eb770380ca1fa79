package storage

import (
	"context"
	"time"

	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Store defines the interface for controller state storage.
// Implemented by the sqlite-backed GormStore.
type Store interface {
	// Builds
	CreateBuild(ctx context.Context, build *types.Build) error
	GetBuild(ctx context.Context, id string) (*types.Build, error)
	GetBuildByAccessToken(ctx context.Context, token string) (*types.Build, error)
	UpdateBuild(ctx context.Context, build *types.Build) error
	ListBuildsByStatus(ctx context.Context, statuses ...types.BuildStatus) ([]*types.Build, error)
	ListActiveBuildsByWorker(ctx context.Context, workerID string) ([]*types.Build, error)
	CountBuildsByStatus(ctx context.Context) (map[types.BuildStatus]int64, error)

	// ClaimOldestPending performs one atomic claim attempt: the oldest
	// pending build (submitted_at, id order) is moved to assigned with the
	// given worker, the worker is moved idle -> building, and the OTP record
	// is inserted, all in one transaction. Returns (nil, nil) when the queue
	// is empty, types.ErrConcurrency when a concurrent claim won the row,
	// and types.ErrWorkerBusy when the worker is no longer idle.
	ClaimOldestPending(ctx context.Context, workerID string, otp *types.Token) (*types.Build, error)

	// Workers
	CreateWorker(ctx context.Context, worker *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	GetWorkerBySessionToken(ctx context.Context, token string) (*types.Worker, error)

	// GetWorkerByPrevSessionToken matches the token a rotation just retired,
	// so a stale presenter can be told to re-register rather than guessed at.
	GetWorkerByPrevSessionToken(ctx context.Context, token string) (*types.Worker, error)
	UpdateWorker(ctx context.Context, worker *types.Worker) error
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*types.Worker, error)

	// RotateSession replaces the worker's session token and updates
	// last-seen in the same commit.
	RotateSession(ctx context.Context, workerID, token string, expiresAt, lastSeen time.Time) error

	// Build logs (append-only)
	AppendBuildLog(ctx context.Context, entry *types.BuildLogEntry) error
	ListBuildLogs(ctx context.Context, buildID string, limit int) ([]*types.BuildLogEntry, error)

	// Tokens (bootstrap OTP and guest classes)
	CreateToken(ctx context.Context, token *types.Token) error
	GetToken(ctx context.Context, class types.TokenClass, secret string) (*types.Token, error)
	// ConsumeToken flips the single-use flag, failing with
	// types.ErrTokenConsumed if it was already set.
	ConsumeToken(ctx context.Context, id uint) error
	DeleteTokensForBuild(ctx context.Context, buildID string, classes ...types.TokenClass) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Tx runs fn inside a single transaction; the Store passed to fn is
	// scoped to that transaction.
	Tx(ctx context.Context, fn func(tx Store) error) error

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
