package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/sethwebster/expo-free-agent/pkg/artifacts"
	"github.com/sethwebster/expo-free-agent/pkg/builds"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// multipartOverhead is headroom on top of the artifact caps for multipart
// boundaries, part headers, and text fields.
const multipartOverhead = 1 << 20

// readFormField drains a small text field part.
func readFormField(part *multipart.Part) string {
	defer part.Close()
	b, _ := io.ReadAll(io.LimitReader(part, 1024))
	return strings.TrimSpace(string(b))
}

// multipartError maps a part-read failure to the canonical API error.
func multipartError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.ErrPayloadTooLarge
	}
	return types.Validationf("malformed multipart body: %v", err)
}

// cappedPart surfaces the request body cap as ErrPayloadTooLarge wherever the
// part is consumed.
type cappedPart struct {
	part *multipart.Part
}

func (c cappedPart) Read(p []byte) (int, error) {
	n, err := c.part.Read(p)
	if err != nil && err != io.EOF {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return n, types.ErrPayloadTooLarge
		}
	}
	return n, err
}

// SubmitBuildResponse is returned from build submission
type SubmitBuildResponse struct {
	ID         string            `json:"id"`
	Status     types.BuildStatus `json:"status"`
	BuildToken string            `json:"buildToken"`
}

func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	if err := s.authAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}

	// The channel enforces per-target caps; this bounds the whole body. Parts
	// are consumed in arrival order so the payload is never buffered whole.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.SourceMaxBytes+s.cfg.CredentialsMaxBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, types.Validationf("malformed multipart body: %v", err))
		return
	}

	first, err := mr.NextPart()
	if err != nil {
		writeError(w, r, multipartError(err))
		return
	}
	if first.FormName() != "platform" {
		first.Close()
		writeError(w, r, types.Validationf("platform field must precede the artifact parts"))
		return
	}
	platform, err := types.ParsePlatform(readFormField(first))
	if err != nil {
		writeError(w, r, err)
		return
	}

	build, err := s.machine.SubmitStream(r.Context(), platform, func() (*builds.SubmissionPart, error) {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil, nil
			}
			if err != nil {
				return nil, multipartError(err)
			}
			switch part.FormName() {
			case "source":
				return &builds.SubmissionPart{Target: artifacts.TargetSource, Body: cappedPart{part}}, nil
			case "credentials":
				return &builds.SubmissionPart{Target: artifacts.TargetCredentials, Body: cappedPart{part}}, nil
			default:
				part.Close()
			}
		}
	}, CorrelationID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitBuildResponse{
		ID:         build.ID,
		Status:     build.Status,
		BuildToken: build.AccessToken,
	})
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authAdminOrBuild(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authAdminOrBuild(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.store.GetBuild(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, types.Validationf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	entries, err := s.store.ListBuildLogs(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buildId": id, "entries": entries})
}

func (s *Server) handleActiveBuilds(w http.ResponseWriter, r *http.Request) {
	if err := s.authAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	active, err := s.store.ListBuildsByStatus(r.Context(), types.BuildStatusAssigned, types.BuildStatusBuilding)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": active})
}

func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authAdminOrBuild(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	build, err := s.machine.Retry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitBuildResponse{
		ID:         build.ID,
		Status:     build.Status,
		BuildToken: build.AccessToken,
	})
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authAdminOrBuild(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	build, err := s.machine.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": build.ID, "status": build.Status})
}

func (s *Server) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authAdminOrBuild(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if build.ResultPath == "" {
		writeError(w, r, types.ErrNotFound)
		return
	}
	s.streamArtifact(w, r, build.ResultPath, build.ID+".result")
}

// streamArtifact sends a stored file as an opaque byte stream.
func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, rel, name string) {
	size, err := s.channel.Stat(rel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	if _, err := s.channel.Egress(r.Context(), rel, w); err != nil {
		// Headers are gone; the broken stream is all we can signal.
		log.WithCorrelationID(CorrelationID(r.Context())).Error().
			Err(err).
			Str("path", rel).
			Msg("artifact egress interrupted")
	}
}
