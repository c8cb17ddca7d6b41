package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ticketmint/internal/mint"
	"ticketmint/internal/queue"

	"github.com/go-chi/chi/v5"
)

const headerTenant = "X-Tenant-ID"

// jobOptions are the per-job overrides accepted on enqueue.
type jobOptions struct {
	JobID    string `json:"jobId,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	DelayMs  int64  `json:"delayMs,omitempty"`
}

func (o *jobOptions) queueOptions() *queue.Options {
	if o == nil {
		return nil
	}
	return &queue.Options{
		JobID:       o.JobID,
		MaxAttempts: o.Attempts,
		Delay:       time.Duration(o.DelayMs) * time.Millisecond,
	}
}

type mintRequest struct {
	mint.MintRequest
	Options *jobOptions `json:"options,omitempty"`
}

type transferRequest struct {
	queue.TransferPayload
	Options *jobOptions `json:"options,omitempty"`
}

type burnRequest struct {
	queue.BurnPayload
	Options *jobOptions `json:"options,omitempty"`
}

type enqueueResponse struct {
	JobID    string        `json:"jobId"`
	Key      string        `json:"key"`
	Type     queue.JobType `json:"type"`
	Existing bool          `json:"existing"`
}

func (s *Server) handleEnqueueMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get(headerTenant)
	}
	h, err := s.svc.EnqueueMint(r.Context(), req.MintRequest, req.Options.queueOptions())
	s.respondEnqueue(w, queue.TypeMint, h, err)
}

func (s *Server) handleEnqueueTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get(headerTenant)
	}
	h, err := s.svc.EnqueueTransfer(r.Context(), req.TransferPayload, req.Options.queueOptions())
	s.respondEnqueue(w, queue.TypeTransfer, h, err)
}

func (s *Server) handleEnqueueBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get(headerTenant)
	}
	h, err := s.svc.EnqueueBurn(r.Context(), req.BurnPayload, req.Options.queueOptions())
	s.respondEnqueue(w, queue.TypeBurn, h, err)
}

func (s *Server) respondEnqueue(w http.ResponseWriter, t queue.JobType, h *queue.Handle, err error) {
	if err != nil {
		s.metrics.IncEnqueue(string(t), "rejected")
		switch {
		case errors.Is(err, queue.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, queue.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	resp := enqueueResponse{JobID: h.ID, Key: h.Key, Type: h.Type, Existing: h.Existing}
	if h.Existing {
		s.metrics.IncEnqueue(string(t), "existing")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.metrics.IncEnqueue(string(t), "created")
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.svc.Retry(r.Context(), id); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id, "status": "retrying"})
}

func (s *Server) handleJobRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.svc.Remove(r.Context(), id); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": "removed"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleQueuePause(w http.ResponseWriter, _ *http.Request) {
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, _ *http.Request) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotFailed), errors.Is(err, queue.ErrJobActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return false
	}
	return true
}

// enqueueType names the job type of an enqueue route for metrics.
func enqueueType(r *http.Request) string {
	switch {
	case strings.HasSuffix(r.URL.Path, "/mints"):
		return string(queue.TypeMint)
	case strings.HasSuffix(r.URL.Path, "/transfers"):
		return string(queue.TypeTransfer)
	case strings.HasSuffix(r.URL.Path, "/burns"):
		return string(queue.TypeBurn)
	}
	return "unknown"
}
