package api

import (
	"net/http"
	"time"

	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// GuestHandshakeResponse is the OTP exchange result
type GuestHandshakeResponse struct {
	GuestToken string    `json:"guestToken"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Server) handleGuestHandshake(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	otp, err := s.otpPresented(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	guest, err := s.authority.ExchangeOTP(r.Context(), id, otp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GuestHandshakeResponse{
		GuestToken: guest.Secret,
		ExpiresAt:  guest.ExpiresAt,
	})
}

func (s *Server) handleGuestSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, err := s.authGuest(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// First artifact fetch is the implicit start signal.
	build, err := s.machine.Start(r.Context(), id, token.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if build.SourcePath == "" {
		writeError(w, r, types.ErrNotFound)
		return
	}
	s.streamArtifact(w, r, build.SourcePath, build.ID+".source")
}

func (s *Server) handleGuestCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, err := s.authGuest(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	build, err := s.machine.Start(r.Context(), id, token.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if build.CredentialsPath == "" {
		writeError(w, r, types.ErrNotFound)
		return
	}

	bundle, err := s.channel.ReadCredentialsSecure(build.CredentialsPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}
