package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// RegisterWorkerRequest is the registration body
type RegisterWorkerRequest struct {
	Name         string             `json:"name"`
	Capabilities types.Capabilities `json:"capabilities"`
}

// RegisterWorkerResponse returns the new worker identity and its first
// session token
type RegisterWorkerResponse struct {
	WorkerID     string `json:"workerId"`
	SessionToken string `json:"sessionToken"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.authAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}

	var req RegisterWorkerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, types.Validationf("malformed registration body: %v", err))
		return
	}

	worker, token, err := s.registry.Register(r.Context(), req.Name, req.Capabilities)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterWorkerResponse{
		WorkerID:     worker.ID,
		SessionToken: token,
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.authAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}
	workers, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.authSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Unregister(r.Context(), worker); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workerId": worker.ID, "status": types.WorkerStatusOffline})
}

// PollResponse carries the rotated session token and, when the queue had an
// eligible build, the assignment.
type PollResponse struct {
	SessionToken string            `json:"sessionToken"`
	Job          *types.Assignment `json:"job,omitempty"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	worker, err := s.authSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Rotation is the heartbeat: the token presented on this request stops
	// working the moment this commits.
	newToken, err := s.registry.Heartbeat(r.Context(), worker)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := PollResponse{SessionToken: newToken}
	if worker.Status == types.WorkerStatusIdle {
		job, err := s.engine.TryAssignOne(r.Context(), worker)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Job = job
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	worker, err := s.authSession(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// The result bytes stream straight into the channel; the fields that
	// decide where they go must arrive before them.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.ResultMaxBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, types.Validationf("malformed multipart body: %v", err))
		return
	}

	var buildID, failure string
	var success, successSet bool
	var build *types.Build
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, r, multipartError(err))
			return
		}
		switch part.FormName() {
		case "buildId":
			buildID = readFormField(part)
		case "success":
			v, perr := strconv.ParseBool(readFormField(part))
			if perr != nil {
				writeError(w, r, types.Validationf("success must be true or false"))
				return
			}
			success, successSet = v, true
		case "failure":
			failure = readFormField(part)
		case "result":
			if buildID == "" || !successSet || !success {
				part.Close()
				writeError(w, r, types.Validationf("buildId and success=true must precede the result part"))
				return
			}
			build, err = s.machine.Complete(r.Context(), buildID, worker.ID, cappedPart{part}, CorrelationID(r.Context()))
			part.Close()
			if err != nil {
				writeError(w, r, err)
				return
			}
		default:
			part.Close()
		}
	}

	if buildID == "" {
		writeError(w, r, types.Validationf("buildId is required"))
		return
	}
	if !successSet {
		writeError(w, r, types.Validationf("success must be true or false"))
		return
	}
	if success {
		if build == nil {
			writeError(w, r, types.Validationf("result part is required on success"))
			return
		}
	} else {
		if failure == "" {
			failure = "worker reported failure without detail"
		}
		build, err = s.machine.Fail(r.Context(), buildID, worker.ID, failure)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": build.ID, "status": build.Status})
}
