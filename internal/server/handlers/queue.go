package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/audioq/internal/errors"
	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/orchestrator"
	"github.com/3leaps/audioq/pkg/sidecar"
)

// maxRequestBody caps job submissions.
const maxRequestBody = 1 << 20

// Queue is the orchestrator surface exposed over HTTP.
type Queue interface {
	Enqueue(req job.Request) (int64, error)
	Generate(req job.Request) (int64, bool, error)
	Pump() bool
	Stop() bool
	Remove(id int64) bool
	Clear() int
	Snapshot() orchestrator.Snapshot
}

// EventSource serves sequenced events to pollers.
type EventSource interface {
	Since(seq int64) []orchestrator.Event
	LastSeq() int64
}

// SidecarControl is the sidecar surface exposed over HTTP.
type SidecarControl interface {
	Start() error
	Stop() error
	State() sidecar.State
	BaseURL() string
	PID() int
}

var _ Queue = (*orchestrator.Orchestrator)(nil)
var _ EventSource = (*orchestrator.EventBus)(nil)
var _ SidecarControl = (*sidecar.Manager)(nil)

// QueueHandler serves the /v1 control API.
type QueueHandler struct {
	queue   Queue
	events  EventSource
	sidecar SidecarControl
}

// NewQueueHandler wires the control API. sc may be nil when the resident
// service is not configured.
func NewQueueHandler(q Queue, events EventSource, sc SidecarControl) *QueueHandler {
	return &QueueHandler{queue: q, events: events, sidecar: sc}
}

// Routes mounts the handlers on r.
func (h *QueueHandler) Routes(r chi.Router) {
	r.Get("/queue", h.getQueue)
	r.Delete("/queue", h.clearQueue)
	r.Post("/jobs", h.enqueue)
	r.Delete("/jobs/{id}", h.remove)
	r.Post("/generate", h.generate)
	r.Post("/pump", h.pump)
	r.Post("/stop", h.stop)
	r.Get("/events", h.getEvents)
	r.Get("/sidecar", h.getSidecar)
	r.Post("/sidecar/start", h.startSidecar)
	r.Post("/sidecar/stop", h.stopSidecar)
}

// EnqueueResponse is returned by POST /v1/jobs and /v1/generate.
type EnqueueResponse struct {
	JobID   int64 `json:"job_id"`
	Started bool  `json:"started"`
}

// SidecarResponse describes the resident service.
type SidecarResponse struct {
	State   sidecar.State `json:"state"`
	BaseURL string        `json:"base_url"`
	PID     int           `json:"pid,omitempty"`
}

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events  []orchestrator.Event `json:"events"`
	LastSeq int64                `json:"last_seq"`
}

func (h *QueueHandler) getQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Snapshot())
}

func (h *QueueHandler) clearQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.queue.Clear()})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (job.Request, error) {
	var req job.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, apperrors.NewValidationError("body", fmt.Sprintf("invalid job request: %v", err))
	}
	return req, nil
}

// queueError maps orchestrator sentinels onto API errors. Validation errors
// pass through unchanged.
func queueError(err error) error {
	if errors.Is(err, orchestrator.ErrClosed) {
		return &apperrors.AppError{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "queue is shutting down",
			Status:  http.StatusServiceUnavailable,
			Err:     err,
		}
	}
	return err
}

func (h *QueueHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	id, err := h.queue.Enqueue(req)
	if err != nil {
		respondWithError(w, r, queueError(err))
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{JobID: id})
}

func (h *QueueHandler) generate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	id, started, err := h.queue.Generate(req)
	if err != nil {
		respondWithError(w, r, queueError(err))
		return
	}
	status := http.StatusCreated
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, EnqueueResponse{JobID: id, Started: started})
}

func (h *QueueHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, apperrors.NewValidationError("id", "job id must be a positive integer"))
		return
	}
	if !h.queue.Remove(id) {
		respondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("job %d is not pending", id)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) pump(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"started": h.queue.Pump()})
}

func (h *QueueHandler) stop(w http.ResponseWriter, r *http.Request) {
	if !h.queue.Stop() {
		respondWithError(w, r, apperrors.NewConflictError("no job is running"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"stopping": true})
}

func (h *QueueHandler) getEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			respondWithError(w, r, apperrors.NewValidationError("since", "since must be a non-negative integer"))
			return
		}
		since = v
	}
	events := h.events.Since(since)
	if events == nil {
		events = []orchestrator.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, LastSeq: h.events.LastSeq()})
}

func (h *QueueHandler) sidecarState(w http.ResponseWriter, status int) {
	writeJSON(w, status, SidecarResponse{
		State:   h.sidecar.State(),
		BaseURL: h.sidecar.BaseURL(),
		PID:     h.sidecar.PID(),
	})
}

func (h *QueueHandler) requireSidecar(w http.ResponseWriter, r *http.Request) bool {
	if h.sidecar == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("resident service is not configured"))
		return false
	}
	return true
}

func (h *QueueHandler) getSidecar(w http.ResponseWriter, r *http.Request) {
	if !h.requireSidecar(w, r) {
		return
	}
	h.sidecarState(w, http.StatusOK)
}

func (h *QueueHandler) startSidecar(w http.ResponseWriter, r *http.Request) {
	if !h.requireSidecar(w, r) {
		return
	}
	if err := h.sidecar.Start(); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(err, "start resident service"))
		return
	}
	h.sidecarState(w, http.StatusAccepted)
}

func (h *QueueHandler) stopSidecar(w http.ResponseWriter, r *http.Request) {
	if !h.requireSidecar(w, r) {
		return
	}
	if err := h.sidecar.Stop(); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(err, "stop resident service"))
		return
	}
	h.sidecarState(w, http.StatusOK)
}
