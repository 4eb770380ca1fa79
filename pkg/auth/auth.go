package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Secret lengths in random bytes before hex encoding. Long secrets guard
// long-lived credentials, medium secrets guard short-lived ones.
const (
	longSecretBytes   = 32
	mediumSecretBytes = 24
)

// Authority mints, rotates, and validates every token class. Exactly one
// class is accepted per route; cross-class presentation is rejected by the
// gateway before validation reaches here.
type Authority struct {
	store      storage.Store
	adminKey   string
	sessionTTL time.Duration
	otpTTL     time.Duration
	guestTTL   time.Duration
}

// NewAuthority creates the credential authority.
func NewAuthority(store storage.Store, adminKey string, sessionTTL, otpTTL, guestTTL time.Duration) *Authority {
	return &Authority{
		store:      store,
		adminKey:   adminKey,
		sessionTTL: sessionTTL,
		otpTTL:     otpTTL,
		guestTTL:   guestTTL,
	}
}

// newSecret generates a hex-encoded random secret of n bytes.
func newSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SecureCompare does a length-checked constant-time comparison.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyAdminKey validates the operator admin key.
func (a *Authority) VerifyAdminKey(presented string) error {
	if presented == "" {
		return types.ErrUnauthenticated
	}
	if !SecureCompare(presented, a.adminKey) {
		return types.ErrUnauthenticated
	}
	return nil
}

// MintBuildToken generates a fresh per-build access token. The caller stores
// it on the build row.
func (a *Authority) MintBuildToken() (string, error) {
	return newSecret(longSecretBytes)
}

// VerifyBuildToken validates a build token against the build named in the
// request path. A token that is valid for a different build is a scope
// violation, not an authentication failure.
func (a *Authority) VerifyBuildToken(ctx context.Context, buildID, presented string) error {
	if presented == "" {
		return types.ErrUnauthenticated
	}
	build, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.ErrNotFound
		}
		return err
	}
	if SecureCompare(presented, build.AccessToken) {
		return nil
	}
	if _, err := a.store.GetBuildByAccessToken(ctx, presented); err == nil {
		return types.ErrForbidden
	}
	return types.ErrUnauthenticated
}

// MintSessionToken generates a fresh rotating worker session token.
func (a *Authority) MintSessionToken() (string, time.Time, error) {
	secret, err := newSecret(mediumSecretBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	return secret, types.Now().Add(a.sessionTTL), nil
}

// AuthenticateWorker resolves a presented session token to its worker.
// An expired or rotated-away token means the worker must re-register.
func (a *Authority) AuthenticateWorker(ctx context.Context, presented string) (*types.Worker, error) {
	if presented == "" {
		return nil, types.ErrUnauthenticated
	}
	worker, err := a.store.GetWorkerBySessionToken(ctx, presented)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// A token that was just rotated away is expired, not unknown:
			// the holder should re-register instead of retrying.
			if _, perr := a.store.GetWorkerByPrevSessionToken(ctx, presented); perr == nil {
				return nil, types.ErrTokenExpired
			}
			return nil, types.ErrUnauthenticated
		}
		return nil, err
	}
	if !SecureCompare(presented, worker.SessionToken) {
		return nil, types.ErrUnauthenticated
	}
	if !types.Now().Before(worker.SessionExpiresAt) {
		return nil, types.ErrTokenExpired
	}
	return worker, nil
}

// NewBootstrapOTP builds a single-use OTP record. Build and worker scope are
// filled in by the assignment transaction that inserts it.
func (a *Authority) NewBootstrapOTP() (*types.Token, error) {
	secret, err := newSecret(mediumSecretBytes)
	if err != nil {
		return nil, err
	}
	return &types.Token{
		Class:     types.TokenClassBootstrapOTP,
		Secret:    secret,
		ExpiresAt: types.Now().Add(a.otpTTL),
	}, nil
}

// ExchangeOTP consumes a bootstrap OTP and mints the guest token in the same
// transaction. Two concurrent exchanges cannot both succeed: the consume is
// a gated update.
func (a *Authority) ExchangeOTP(ctx context.Context, buildID, presented string) (*types.Token, error) {
	if presented == "" {
		return nil, types.ErrUnauthenticated
	}

	guestSecret, err := newSecret(mediumSecretBytes)
	if err != nil {
		return nil, err
	}

	var guest *types.Token
	err = a.store.Tx(ctx, func(tx storage.Store) error {
		otp, err := tx.GetToken(ctx, types.TokenClassBootstrapOTP, presented)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return types.ErrUnauthenticated
			}
			return err
		}
		if otp.BuildID != buildID {
			return types.ErrForbidden
		}
		if otp.Expired(types.Now()) {
			return types.ErrUnauthenticated
		}
		if err := tx.ConsumeToken(ctx, otp.ID); err != nil {
			return err
		}

		guest = &types.Token{
			Class:     types.TokenClassGuest,
			Secret:    guestSecret,
			BuildID:   buildID,
			WorkerID:  otp.WorkerID,
			ExpiresAt: types.Now().Add(a.guestTTL),
		}
		return tx.CreateToken(ctx, guest)
	})
	if err != nil {
		return nil, err
	}
	return guest, nil
}

// VerifyGuestToken validates a guest token against the build in the path.
func (a *Authority) VerifyGuestToken(ctx context.Context, buildID, presented string) (*types.Token, error) {
	if presented == "" {
		return nil, types.ErrUnauthenticated
	}
	token, err := a.store.GetToken(ctx, types.TokenClassGuest, presented)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrUnauthenticated
		}
		return nil, err
	}
	if token.Expired(types.Now()) {
		return nil, types.ErrUnauthenticated
	}
	if token.BuildID != buildID {
		return nil, types.ErrForbidden
	}
	return token, nil
}
