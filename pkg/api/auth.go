package api

import (
	"net/http"

	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Authentication headers, one per token class.
const (
	headerAdmin        = "Admin"
	headerBuildToken   = "BuildToken"
	headerSessionToken = "SessionToken"
	headerBootstrapOTP = "BootstrapOTP"
	headerGuestToken   = "GuestToken"
)

var tokenHeaders = []string{
	headerAdmin,
	headerBuildToken,
	headerSessionToken,
	headerBootstrapOTP,
	headerGuestToken,
}

// presented collects the non-empty token headers on a request.
func presented(r *http.Request) map[string]string {
	out := make(map[string]string, 1)
	for _, h := range tokenHeaders {
		if v := r.Header.Get(h); v != "" {
			out[h] = v
		}
	}
	return out
}

// classesAllowed rejects requests presenting any token class outside the
// allowed set. Presenting the wrong class is a scope problem, not a missing
// credential, so it maps to Forbidden.
func classesAllowed(tokens map[string]string, allowed ...string) error {
	if len(tokens) == 0 {
		return types.ErrUnauthenticated
	}
	for h := range tokens {
		ok := false
		for _, a := range allowed {
			if h == a {
				ok = true
				break
			}
		}
		if !ok {
			return types.ErrForbidden
		}
	}
	return nil
}

// authAdmin admits only the admin key.
func (s *Server) authAdmin(r *http.Request) error {
	tokens := presented(r)
	if err := classesAllowed(tokens, headerAdmin); err != nil {
		return err
	}
	return s.authority.VerifyAdminKey(tokens[headerAdmin])
}

// authAdminOrBuild admits the admin key or the build token bound to the
// build in the path. Presenting both at once is rejected.
func (s *Server) authAdminOrBuild(r *http.Request, buildID string) error {
	tokens := presented(r)
	if err := classesAllowed(tokens, headerAdmin, headerBuildToken); err != nil {
		return err
	}
	if len(tokens) != 1 {
		return types.ErrForbidden
	}
	if admin, ok := tokens[headerAdmin]; ok {
		return s.authority.VerifyAdminKey(admin)
	}
	return s.authority.VerifyBuildToken(r.Context(), buildID, tokens[headerBuildToken])
}

// authSession resolves the rotating session token to its worker.
func (s *Server) authSession(r *http.Request) (*types.Worker, error) {
	tokens := presented(r)
	if err := classesAllowed(tokens, headerSessionToken); err != nil {
		return nil, err
	}
	return s.authority.AuthenticateWorker(r.Context(), tokens[headerSessionToken])
}

// authGuest admits only a guest token bound to the build in the path.
func (s *Server) authGuest(r *http.Request, buildID string) (*types.Token, error) {
	tokens := presented(r)
	if err := classesAllowed(tokens, headerGuestToken); err != nil {
		return nil, err
	}
	return s.authority.VerifyGuestToken(r.Context(), buildID, tokens[headerGuestToken])
}

// otpPresented extracts the bootstrap OTP for the handshake route. The admin
// key may accompany it (the guest relays through tooling that holds it); any
// other class is rejected.
func (s *Server) otpPresented(r *http.Request) (string, error) {
	tokens := presented(r)
	if err := classesAllowed(tokens, headerBootstrapOTP, headerAdmin); err != nil {
		return "", err
	}
	otp, ok := tokens[headerBootstrapOTP]
	if !ok {
		return "", types.ErrUnauthenticated
	}
	if admin, ok := tokens[headerAdmin]; ok {
		if err := s.authority.VerifyAdminKey(admin); err != nil {
			return "", err
		}
	}
	return otp, nil
}
