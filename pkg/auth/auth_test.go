package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

const testAdminKey = "test-admin-key-0123456789abcdef"

func newTestAuthority(t *testing.T) (*Authority, storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authority := NewAuthority(store, testAdminKey, 90*time.Second, 5*time.Minute, 24*time.Hour)
	return authority, store
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
	assert.False(t, SecureCompare("", "a"))
	assert.True(t, SecureCompare("", ""))
}

func TestVerifyAdminKey(t *testing.T) {
	authority, _ := newTestAuthority(t)

	assert.NoError(t, authority.VerifyAdminKey(testAdminKey))
	assert.ErrorIs(t, authority.VerifyAdminKey(""), types.ErrUnauthenticated)
	assert.ErrorIs(t, authority.VerifyAdminKey("wrong"), types.ErrUnauthenticated)
}

func TestBuildTokenScope(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	tokenA, err := authority.MintBuildToken()
	require.NoError(t, err)
	tokenB, err := authority.MintBuildToken()
	require.NoError(t, err)
	assert.NotEqual(t, tokenA, tokenB)

	require.NoError(t, store.CreateBuild(ctx, &types.Build{
		ID: "build-a", Platform: types.PlatformIOS, Status: types.BuildStatusPending,
		SubmittedAt: types.Now(), AccessToken: tokenA,
	}))
	require.NoError(t, store.CreateBuild(ctx, &types.Build{
		ID: "build-b", Platform: types.PlatformIOS, Status: types.BuildStatusPending,
		SubmittedAt: types.Now(), AccessToken: tokenB,
	}))

	assert.NoError(t, authority.VerifyBuildToken(ctx, "build-a", tokenA))

	// A valid token for another build is a scope violation, not a bad
	// credential.
	assert.ErrorIs(t, authority.VerifyBuildToken(ctx, "build-a", tokenB), types.ErrForbidden)
	assert.ErrorIs(t, authority.VerifyBuildToken(ctx, "build-a", "bogus"), types.ErrUnauthenticated)
	assert.ErrorIs(t, authority.VerifyBuildToken(ctx, "build-a", ""), types.ErrUnauthenticated)
	assert.ErrorIs(t, authority.VerifyBuildToken(ctx, "missing", tokenA), types.ErrNotFound)
}

func TestAuthenticateWorker(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	secret, expires, err := authority.MintSessionToken()
	require.NoError(t, err)
	require.NoError(t, store.CreateWorker(ctx, &types.Worker{
		ID: "w1", Name: "mac-mini", Status: types.WorkerStatusIdle,
		Capabilities:     types.Capabilities{Platforms: []types.Platform{types.PlatformIOS}},
		SessionToken:     secret,
		SessionExpiresAt: expires,
		LastSeenAt:       types.Now(),
		CreatedAt:        types.Now(),
	}))

	worker, err := authority.AuthenticateWorker(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, "w1", worker.ID)

	_, err = authority.AuthenticateWorker(ctx, "unknown")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	// Push the expiry into the past: the worker must re-register.
	require.NoError(t, store.RotateSession(ctx, "w1", secret, types.Now().Add(-time.Second), types.Now()))
	_, err = authority.AuthenticateWorker(ctx, secret)
	assert.ErrorIs(t, err, types.ErrTokenExpired)
}

func TestAuthenticateWorkerRotatedToken(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	oldSecret, expires, err := authority.MintSessionToken()
	require.NoError(t, err)
	require.NoError(t, store.CreateWorker(ctx, &types.Worker{
		ID: "w1", Name: "mac-mini", Status: types.WorkerStatusIdle,
		Capabilities:     types.Capabilities{Platforms: []types.Platform{types.PlatformIOS}},
		SessionToken:     oldSecret,
		SessionExpiresAt: expires,
		LastSeenAt:       types.Now(),
		CreatedAt:        types.Now(),
	}))

	newSecret, newExpires, err := authority.MintSessionToken()
	require.NoError(t, err)
	require.NoError(t, store.RotateSession(ctx, "w1", newSecret, newExpires, types.Now()))

	// The rotated-away token is expired, not unknown; its holder should
	// re-register instead of retrying.
	_, err = authority.AuthenticateWorker(ctx, oldSecret)
	assert.ErrorIs(t, err, types.ErrTokenExpired)

	worker, err := authority.AuthenticateWorker(ctx, newSecret)
	require.NoError(t, err)
	assert.Equal(t, "w1", worker.ID)

	_, err = authority.AuthenticateWorker(ctx, "never-issued")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestExchangeOTP(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	otp, err := authority.NewBootstrapOTP()
	require.NoError(t, err)
	otp.BuildID = "b1"
	otp.WorkerID = "w1"
	require.NoError(t, store.CreateToken(ctx, otp))

	guest, err := authority.ExchangeOTP(ctx, "b1", otp.Secret)
	require.NoError(t, err)
	assert.Equal(t, types.TokenClassGuest, guest.Class)
	assert.Equal(t, "b1", guest.BuildID)
	assert.Equal(t, "w1", guest.WorkerID)
	assert.True(t, guest.ExpiresAt.After(types.Now().Add(23*time.Hour)))

	// Single use: the second exchange fails and mints nothing.
	_, err = authority.ExchangeOTP(ctx, "b1", otp.Secret)
	assert.ErrorIs(t, err, types.ErrTokenConsumed)
}

func TestExchangeOTPWrongBuild(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	otp, err := authority.NewBootstrapOTP()
	require.NoError(t, err)
	otp.BuildID = "b1"
	require.NoError(t, store.CreateToken(ctx, otp))

	_, err = authority.ExchangeOTP(ctx, "b2", otp.Secret)
	assert.ErrorIs(t, err, types.ErrForbidden)

	// The failed exchange must not have consumed the OTP.
	guest, err := authority.ExchangeOTP(ctx, "b1", otp.Secret)
	require.NoError(t, err)
	assert.NotEmpty(t, guest.Secret)
}

func TestExchangeOTPExpired(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.CreateToken(ctx, &types.Token{
		Class:     types.TokenClassBootstrapOTP,
		Secret:    "stale-otp",
		BuildID:   "b1",
		ExpiresAt: types.Now().Add(-time.Minute),
	}))

	_, err := authority.ExchangeOTP(ctx, "b1", "stale-otp")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestExchangeOTPConcurrentDoubleSpend(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	otp, err := authority.NewBootstrapOTP()
	require.NoError(t, err)
	otp.BuildID = "b1"
	require.NoError(t, store.CreateToken(ctx, otp))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := authority.ExchangeOTP(ctx, "b1", otp.Secret)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, failed int
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, types.ErrTokenConsumed)
			failed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestVerifyGuestToken(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()

	require.NoError(t, store.CreateToken(ctx, &types.Token{
		Class: types.TokenClassGuest, Secret: "guest-1", BuildID: "b1",
		ExpiresAt: types.Now().Add(time.Hour),
	}))
	require.NoError(t, store.CreateToken(ctx, &types.Token{
		Class: types.TokenClassGuest, Secret: "guest-old", BuildID: "b1",
		ExpiresAt: types.Now().Add(-time.Hour),
	}))

	token, err := authority.VerifyGuestToken(ctx, "b1", "guest-1")
	require.NoError(t, err)
	assert.Equal(t, "b1", token.BuildID)

	_, err = authority.VerifyGuestToken(ctx, "b2", "guest-1")
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = authority.VerifyGuestToken(ctx, "b1", "guest-old")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	_, err = authority.VerifyGuestToken(ctx, "b1", "nope")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}
