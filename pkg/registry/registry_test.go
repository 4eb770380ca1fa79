package registry

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethwebster/expo-free-agent/pkg/artifacts"
	"github.com/sethwebster/expo-free-agent/pkg/auth"
	"github.com/sethwebster/expo-free-agent/pkg/builds"
	"github.com/sethwebster/expo-free-agent/pkg/events"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/security"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestRegistry(t *testing.T) (*Registry, *auth.Authority, storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher, err := security.NewBundleCipherFromSecret("test-bundle-secret")
	require.NoError(t, err)
	channel, err := artifacts.NewChannel(artifacts.Config{
		Root:                t.TempDir(),
		ChunkSize:           1 << 16,
		SourceMaxBytes:      1 << 20,
		CredentialsMaxBytes: 1 << 20,
		ResultMaxBytes:      1 << 20,
	}, cipher)
	require.NoError(t, err)

	authority := auth.NewAuthority(store, "admin-key", 90*time.Second, 5*time.Minute, 24*time.Hour)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	machine := builds.NewMachine(store, channel, authority, broker)
	return NewRegistry(store, authority, machine, broker), authority, store
}

func iosCaps() types.Capabilities {
	return types.Capabilities{Platforms: []types.Platform{types.PlatformIOS}}
}

func TestRegister(t *testing.T) {
	reg, authority, _ := newTestRegistry(t)
	ctx := context.Background()

	worker, token, err := reg.Register(ctx, "mac-mini-1", iosCaps())
	require.NoError(t, err)
	assert.NotEmpty(t, worker.ID)
	assert.Equal(t, types.WorkerStatusIdle, worker.Status)
	assert.NotEmpty(t, token)

	// The minted session token authenticates immediately.
	got, err := authority.AuthenticateWorker(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, worker.ID, got.ID)
}

func TestRegisterValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		workerName string
		caps       types.Capabilities
	}{
		{"empty name", "", iosCaps()},
		{"blank name", "   ", iosCaps()},
		{"no platforms", "w", types.Capabilities{}},
		{"bad platform", "w", types.Capabilities{Platforms: []types.Platform{"windows"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := reg.Register(ctx, tt.workerName, tt.caps)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestHeartbeatRotatesSession(t *testing.T) {
	reg, authority, _ := newTestRegistry(t)
	ctx := context.Background()

	worker, oldToken, err := reg.Register(ctx, "mac-mini-1", iosCaps())
	require.NoError(t, err)

	newToken, err := reg.Heartbeat(ctx, worker)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	// Old token dies the moment the rotation commits; its holder is told to
	// re-register rather than treated as a stranger.
	_, err = authority.AuthenticateWorker(ctx, oldToken)
	assert.ErrorIs(t, err, types.ErrTokenExpired)

	got, err := authority.AuthenticateWorker(ctx, newToken)
	require.NoError(t, err)
	assert.Equal(t, worker.ID, got.ID)
}

func TestMarkOfflineIdempotent(t *testing.T) {
	reg, _, store := newTestRegistry(t)
	ctx := context.Background()

	worker, _, err := reg.Register(ctx, "mac-mini-1", iosCaps())
	require.NoError(t, err)

	require.NoError(t, reg.MarkOffline(ctx, store, worker))
	require.NoError(t, reg.MarkOffline(ctx, store, worker))

	got, err := store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, got.Status)
}

func TestUnregisterRequeuesActiveBuild(t *testing.T) {
	reg, authority, store := newTestRegistry(t)
	ctx := context.Background()

	worker, _, err := reg.Register(ctx, "mac-mini-1", iosCaps())
	require.NoError(t, err)

	require.NoError(t, store.CreateBuild(ctx, &types.Build{
		ID: "b1", Platform: types.PlatformIOS, Status: types.BuildStatusPending,
		SubmittedAt: types.Now(), AccessToken: "token-b1",
	}))
	otp, err := authority.NewBootstrapOTP()
	require.NoError(t, err)
	claimed, err := store.ClaimOldestPending(ctx, worker.ID, otp)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, reg.Unregister(ctx, worker))

	build, err := store.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusPending, build.Status)
	assert.Empty(t, build.WorkerID)

	got, err := store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, got.Status)
	require.NotNil(t, got.ShutdownAt)
	assert.Empty(t, got.SessionToken)

	// The requeue revoked the bootstrap OTP minted for the claim.
	_, err = store.GetToken(ctx, types.TokenClassBootstrapOTP, otp.Secret)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListWorkers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Register(ctx, "a", iosCaps())
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "b", iosCaps())
	require.NoError(t, err)

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)
}
