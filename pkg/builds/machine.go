package builds

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/sethwebster/expo-free-agent/pkg/artifacts"
	"github.com/sethwebster/expo-free-agent/pkg/auth"
	"github.com/sethwebster/expo-free-agent/pkg/events"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// transitions is the complete forward-transition table. Terminal states are
// absorbing; anything not listed is illegal.
var transitions = map[types.BuildStatus][]types.BuildStatus{
	types.BuildStatusPending:  {types.BuildStatusAssigned, types.BuildStatusCancelled},
	types.BuildStatusAssigned: {types.BuildStatusBuilding, types.BuildStatusCompleted, types.BuildStatusFailed, types.BuildStatusPending},
	types.BuildStatusBuilding: {types.BuildStatusCompleted, types.BuildStatusFailed, types.BuildStatusPending},
}

// Legal reports whether the transition from one status to another is allowed.
func Legal(from, to types.BuildStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine owns every build lifecycle mutation. All transitions run inside a
// store transaction, append a build log entry, and publish a broker event.
type Machine struct {
	store     storage.Store
	channel   *artifacts.Channel
	authority *auth.Authority
	broker    *events.Broker
}

// NewMachine creates the build state machine.
func NewMachine(store storage.Store, channel *artifacts.Channel, authority *auth.Authority, broker *events.Broker) *Machine {
	return &Machine{
		store:     store,
		channel:   channel,
		authority: authority,
		broker:    broker,
	}
}

// SubmissionPart is one artifact of a streamed submission payload.
type SubmissionPart struct {
	Target artifacts.Target
	Body   io.Reader
}

// Submit ingests the source and credentials payloads, mints the build's
// access token, and creates the pending record. Credentials are optional at
// submission.
func (m *Machine) Submit(ctx context.Context, platform types.Platform, source, credentials io.Reader, correlationID string) (*types.Build, error) {
	parts := []SubmissionPart{{Target: artifacts.TargetSource, Body: source}}
	if credentials != nil {
		parts = append(parts, SubmissionPart{Target: artifacts.TargetCredentials, Body: credentials})
	}
	i := 0
	return m.SubmitStream(ctx, platform, func() (*SubmissionPart, error) {
		if i == len(parts) {
			return nil, nil
		}
		p := &parts[i]
		i++
		return p, nil
	}, correlationID)
}

// SubmitStream consumes submission artifacts one at a time in arrival order,
// so a multipart request body is never buffered whole. next returns nil when
// the payload is exhausted. Artifacts written before a failure are removed so
// a rejected submission leaves nothing behind.
func (m *Machine) SubmitStream(ctx context.Context, platform types.Platform, next func() (*SubmissionPart, error), correlationID string) (*types.Build, error) {
	id := uuid.New().String()

	var sourcePath, credsPath string
	var sourceBytes int64
	for {
		part, err := next()
		if err != nil {
			m.channel.RemoveBuild(id)
			return nil, err
		}
		if part == nil {
			break
		}
		switch part.Target {
		case artifacts.TargetSource:
			if sourcePath != "" {
				err = types.Validationf("duplicate source part")
				break
			}
			sourcePath, sourceBytes, err = m.channel.Ingest(ctx, id, artifacts.TargetSource, part.Body, correlationID)
		case artifacts.TargetCredentials:
			if credsPath != "" {
				err = types.Validationf("duplicate credentials part")
				break
			}
			credsPath, _, err = m.channel.Ingest(ctx, id, artifacts.TargetCredentials, part.Body, correlationID)
		default:
			err = types.Validationf("unexpected submission target %q", part.Target)
		}
		if err != nil {
			m.channel.RemoveBuild(id)
			return nil, err
		}
	}
	if sourcePath == "" {
		m.channel.RemoveBuild(id)
		return nil, types.Validationf("source part is required")
	}

	token, err := m.authority.MintBuildToken()
	if err != nil {
		m.channel.RemoveBuild(id)
		return nil, err
	}

	build := &types.Build{
		ID:              id,
		Platform:        platform,
		Status:          types.BuildStatusPending,
		SubmittedAt:     types.Now(),
		SourcePath:      sourcePath,
		CredentialsPath: credsPath,
		AccessToken:     token,
	}

	err = m.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.CreateBuild(ctx, build); err != nil {
			return err
		}
		return tx.AppendBuildLog(ctx, logEntry(id, types.LogSeverityInfo,
			fmt.Sprintf("build submitted for %s (%d source bytes)", platform, sourceBytes)))
	})
	if err != nil {
		m.channel.RemoveBuild(id)
		return nil, err
	}

	log.WithBuildID(id).Info().
		Str("platform", string(platform)).
		Int64("source_bytes", sourceBytes).
		Msg("build submitted")
	m.broker.Publish(events.NewBuildEvent(events.EventBuildSubmitted, id, "", "build submitted"))
	return build, nil
}

// Start moves an assigned build to building on the worker's first artifact
// access. Calling it again while the same worker is building is a no-op.
func (m *Machine) Start(ctx context.Context, buildID, workerID string) (*types.Build, error) {
	var build *types.Build
	var started bool
	err := m.store.Tx(ctx, func(tx storage.Store) error {
		var err error
		build, err = tx.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}
		if build.WorkerID != workerID {
			return types.ErrForbidden
		}
		if build.Status == types.BuildStatusBuilding {
			return nil
		}
		if !Legal(build.Status, types.BuildStatusBuilding) {
			return types.IllegalTransitionf("%s -> %s", build.Status, types.BuildStatusBuilding)
		}

		now := types.Now()
		build.Status = types.BuildStatusBuilding
		build.StartedAt = &now
		if err := tx.UpdateBuild(ctx, build); err != nil {
			return err
		}
		started = true
		return tx.AppendBuildLog(ctx, logEntry(buildID, types.LogSeverityInfo,
			fmt.Sprintf("build started on worker %s", workerID)))
	})
	if err != nil {
		return nil, err
	}
	if started {
		log.WithBuildID(buildID).Info().Str("worker_id", workerID).Msg("build started")
		m.broker.Publish(events.NewBuildEvent(events.EventBuildStarted, buildID, workerID, "build started"))
	}
	return build, nil
}

// Complete ingests the result artifact and moves the build to completed.
// A second outcome report for the same build is an illegal transition.
func (m *Machine) Complete(ctx context.Context, buildID, workerID string, result io.Reader, correlationID string) (*types.Build, error) {
	build, err := m.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.WorkerID != workerID {
		return nil, types.ErrForbidden
	}
	if !Legal(build.Status, types.BuildStatusCompleted) {
		return nil, types.IllegalTransitionf("%s -> %s", build.Status, types.BuildStatusCompleted)
	}

	staged, err := m.channel.IngestStaged(ctx, buildID, artifacts.TargetResult, result, correlationID)
	if err != nil {
		return nil, err
	}

	err = m.store.Tx(ctx, func(tx storage.Store) error {
		// Re-read inside the transaction so a racing report loses here.
		build, err = tx.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}
		if !Legal(build.Status, types.BuildStatusCompleted) {
			return types.IllegalTransitionf("%s -> %s", build.Status, types.BuildStatusCompleted)
		}

		now := types.Now()
		build.Status = types.BuildStatusCompleted
		build.CompletedAt = &now
		build.ResultPath = staged.Rel()
		if err := tx.UpdateBuild(ctx, build); err != nil {
			return err
		}
		if err := m.releaseWorker(ctx, tx, workerID, types.BuildStatusCompleted); err != nil {
			return err
		}
		if err := tx.DeleteTokensForBuild(ctx, buildID); err != nil {
			return err
		}
		// The rename runs behind the status gate: a losing duplicate report
		// never reaches it, so the stored result is written exactly once.
		if err := m.channel.Promote(staged); err != nil {
			return err
		}
		return tx.AppendBuildLog(ctx, logEntry(buildID, types.LogSeverityInfo,
			fmt.Sprintf("build completed (%d result bytes)", staged.Bytes())))
	})
	if err != nil {
		m.channel.Discard(staged)
		return nil, err
	}

	log.WithBuildID(buildID).Info().
		Str("worker_id", workerID).
		Int64("result_bytes", staged.Bytes()).
		Msg("build completed")
	m.broker.Publish(events.NewBuildEvent(events.EventBuildCompleted, buildID, workerID, "build completed"))
	return build, nil
}

// Fail records a worker-reported failure for an assigned or building build.
func (m *Machine) Fail(ctx context.Context, buildID, workerID, reason string) (*types.Build, error) {
	var build *types.Build
	err := m.store.Tx(ctx, func(tx storage.Store) error {
		var err error
		build, err = tx.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}
		if workerID != "" && build.WorkerID != workerID {
			return types.ErrForbidden
		}
		if !Legal(build.Status, types.BuildStatusFailed) {
			return types.IllegalTransitionf("%s -> %s", build.Status, types.BuildStatusFailed)
		}

		now := types.Now()
		build.Status = types.BuildStatusFailed
		build.CompletedAt = &now
		build.Failure = reason
		if err := tx.UpdateBuild(ctx, build); err != nil {
			return err
		}
		if workerID != "" {
			if err := m.releaseWorker(ctx, tx, workerID, types.BuildStatusFailed); err != nil {
				return err
			}
		}
		if err := tx.DeleteTokensForBuild(ctx, buildID); err != nil {
			return err
		}
		return tx.AppendBuildLog(ctx, logEntry(buildID, types.LogSeverityError,
			fmt.Sprintf("build failed: %s", reason)))
	})
	if err != nil {
		return nil, err
	}

	log.WithBuildID(buildID).Warn().
		Str("worker_id", workerID).
		Str("reason", reason).
		Msg("build failed")
	m.broker.Publish(events.NewBuildEvent(events.EventBuildFailed, buildID, workerID, reason))
	return build, nil
}

// Cancel withdraws a pending build from the queue. Once a worker holds the
// build the submitter can no longer cancel; the outcome report settles it.
func (m *Machine) Cancel(ctx context.Context, buildID string) (*types.Build, error) {
	var build *types.Build
	err := m.store.Tx(ctx, func(tx storage.Store) error {
		var err error
		build, err = tx.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}
		if !Legal(build.Status, types.BuildStatusCancelled) {
			return types.IllegalTransitionf("%s -> %s", build.Status, types.BuildStatusCancelled)
		}

		now := types.Now()
		build.Status = types.BuildStatusCancelled
		build.CompletedAt = &now
		if err := tx.UpdateBuild(ctx, build); err != nil {
			return err
		}
		if err := tx.DeleteTokensForBuild(ctx, buildID); err != nil {
			return err
		}
		return tx.AppendBuildLog(ctx, logEntry(buildID, types.LogSeverityWarn, "build cancelled"))
	})
	if err != nil {
		return nil, err
	}

	log.WithBuildID(buildID).Info().Msg("build cancelled")
	m.broker.Publish(events.NewBuildEvent(events.EventBuildCancelled, buildID, "", "build cancelled"))
	return build, nil
}

// Retry creates a fresh pending build from a terminal one. The source and
// credentials artifacts are shared by hardlink, the access token is new, and
// both builds carry a cross-reference log entry.
func (m *Machine) Retry(ctx context.Context, buildID string) (*types.Build, error) {
	prior, err := m.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.Terminal() {
		return nil, types.Validationf("build %s is still %s; only finished builds can be retried", buildID, prior.Status)
	}

	id := uuid.New().String()
	sourcePath := artifacts.RelPath(id, artifacts.TargetSource)
	if err := m.channel.LinkOrCopy(prior.SourcePath, sourcePath); err != nil {
		return nil, err
	}
	var credsPath string
	if prior.CredentialsPath != "" {
		credsPath = artifacts.RelPath(id, artifacts.TargetCredentials)
		if err := m.channel.LinkOrCopy(prior.CredentialsPath, credsPath); err != nil {
			m.channel.RemoveBuild(id)
			return nil, err
		}
	}

	token, err := m.authority.MintBuildToken()
	if err != nil {
		m.channel.RemoveBuild(id)
		return nil, err
	}

	build := &types.Build{
		ID:              id,
		Platform:        prior.Platform,
		Status:          types.BuildStatusPending,
		SubmittedAt:     types.Now(),
		SourcePath:      sourcePath,
		CredentialsPath: credsPath,
		AccessToken:     token,
	}

	err = m.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.CreateBuild(ctx, build); err != nil {
			return err
		}
		if err := tx.AppendBuildLog(ctx, logEntry(id, types.LogSeverityInfo,
			fmt.Sprintf("retry of build %s", prior.ID))); err != nil {
			return err
		}
		return tx.AppendBuildLog(ctx, logEntry(prior.ID, types.LogSeverityInfo,
			fmt.Sprintf("retried as build %s", id)))
	})
	if err != nil {
		m.channel.RemoveBuild(id)
		return nil, err
	}

	log.WithBuildID(id).Info().Str("retry_of", prior.ID).Msg("build resubmitted")
	m.broker.Publish(events.NewBuildEvent(events.EventBuildSubmitted, id, "", "retry of "+prior.ID))
	return build, nil
}

// Requeue returns an assigned or building build to pending after its worker
// disappeared. Bootstrap and guest tokens scoped to the build are revoked so
// the vanished worker cannot keep touching it.
func (m *Machine) Requeue(ctx context.Context, tx storage.Store, build *types.Build, reason string) error {
	if !Legal(build.Status, types.BuildStatusPending) {
		return types.IllegalTransitionf("%s -> %s", build.Status, types.BuildStatusPending)
	}

	workerID := build.WorkerID
	build.Status = types.BuildStatusPending
	build.WorkerID = ""
	build.AssignedAt = nil
	build.StartedAt = nil
	if err := tx.UpdateBuild(ctx, build); err != nil {
		return err
	}
	if err := tx.DeleteTokensForBuild(ctx, build.ID); err != nil {
		return err
	}
	if err := tx.AppendBuildLog(ctx, logEntry(build.ID, types.LogSeverityWarn,
		fmt.Sprintf("requeued: %s", reason))); err != nil {
		return err
	}

	log.WithBuildID(build.ID).Warn().
		Str("worker_id", workerID).
		Str("reason", reason).
		Msg("build requeued")
	m.broker.Publish(events.NewBuildEvent(events.EventBuildRequeued, build.ID, workerID, reason))
	return nil
}

// AppendLog appends a worker-supplied progress line to the build log.
func (m *Machine) AppendLog(ctx context.Context, buildID string, severity types.LogSeverity, message string) error {
	switch severity {
	case types.LogSeverityInfo, types.LogSeverityWarn, types.LogSeverityError:
	default:
		severity = types.LogSeverityInfo
	}
	return m.store.AppendBuildLog(ctx, logEntry(buildID, severity, message))
}

// releaseWorker returns the worker to idle and bumps its outcome counter.
// A worker that already went offline keeps that status.
func (m *Machine) releaseWorker(ctx context.Context, tx storage.Store, workerID string, outcome types.BuildStatus) error {
	worker, err := tx.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if worker.Status == types.WorkerStatusBuilding {
		worker.Status = types.WorkerStatusIdle
	}
	switch outcome {
	case types.BuildStatusCompleted:
		worker.CompletedBuilds++
	case types.BuildStatusFailed:
		worker.FailedBuilds++
	}
	return tx.UpdateWorker(ctx, worker)
}

func logEntry(buildID string, severity types.LogSeverity, message string) *types.BuildLogEntry {
	return &types.BuildLogEntry{
		BuildID:    buildID,
		InsertedAt: types.Now(),
		Severity:   severity,
		Message:    message,
	}
}
