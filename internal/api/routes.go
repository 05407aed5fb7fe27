package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/status"
	"github.com/livinlefevreloca/histsyncer/internal/syncer"
)

// Routes holds dependencies for the handlers
type Routes struct {
	deps         Deps
	logger       *slog.Logger
	maxBodyBytes int64
}

// IngestResponse reports what an ingestion request added
type IngestResponse struct {
	Accepted int `json:"accepted"`
	Notified int `json:"notified"`
}

// ControlResponse reports how many workers accepted a command
type ControlResponse struct {
	Command   string `json:"command"`
	Delivered int    `json:"delivered"`
}

// StatusResponse lists every worker status
type StatusResponse struct {
	Workers            []status.WorkerStatus `json:"workers"`
	TriggerQueueLocked *bool                 `json:"trigger_queue_locked,omitempty"`
}

// health handles GET /health
func (routes *Routes) health(w http.ResponseWriter, _ *http.Request) {
	if routes.deps.Running != nil && !routes.deps.Running() {
		writeJSONResponse(w, map[string]string{"status": "stopping"}, http.StatusServiceUnavailable)
		return
	}
	writeJSONResponse(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

// status handles GET /status
func (routes *Routes) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Workers: []status.WorkerStatus{}}
	if routes.deps.Status != nil {
		resp.Workers = routes.deps.Status.Snapshot()
	}
	if routes.deps.Lock != nil {
		locked, err := routes.deps.Lock.Locked(r.Context())
		if err != nil {
			routes.logger.Warn("cannot read trigger queue lock", "error", err)
		} else {
			resp.TriggerQueueLocked = &locked
		}
	}
	writeJSONResponse(w, resp, http.StatusOK)
}

// ingestHistory handles POST /api/v1/history
func (routes *Routes) ingestHistory(w http.ResponseWriter, r *http.Request) {
	var values []cache.Value
	if !routes.decode(w, r, &values) {
		return
	}

	routes.deps.Cache.AddValues(values...)
	writeJSONResponse(w, IngestResponse{Accepted: len(values), Notified: routes.notify()}, http.StatusAccepted)
}

// ingestEvents handles POST /api/v1/events
func (routes *Routes) ingestEvents(w http.ResponseWriter, r *http.Request) {
	var events []cache.Event
	if !routes.decode(w, r, &events) {
		return
	}

	routes.deps.Cache.AddEvents(events...)
	writeJSONResponse(w, IngestResponse{Accepted: len(events), Notified: routes.notify()}, http.StatusAccepted)
}

// ingestTimers handles POST /api/v1/timers. Timers wait for their evaluation
// time, so workers are not woken.
func (routes *Routes) ingestTimers(w http.ResponseWriter, r *http.Request) {
	var timers []cache.Timer
	if !routes.decode(w, r, &timers) {
		return
	}

	routes.deps.Cache.AddTimers(timers...)
	writeJSONResponse(w, IngestResponse{Accepted: len(timers)}, http.StatusAccepted)
}

// control handles POST /api/v1/control/{command}?worker=N
func (routes *Routes) control(w http.ResponseWriter, r *http.Request) {
	kind, err := control.ParseKind(chi.URLParam(r, "command"))
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	worker := r.URL.Query().Get("worker")
	if worker == "" {
		n := routes.deps.Control.Broadcast(syncer.Role, kind)
		routes.logger.Info("control command broadcast", "command", kind.String(), "delivered", n)
		writeJSONResponse(w, ControlResponse{Command: kind.String(), Delivered: n}, http.StatusOK)
		return
	}

	ordinal, err := strconv.Atoi(worker)
	if err != nil || ordinal < 1 {
		writeErrorResponse(w, fmt.Sprintf("invalid worker %q", worker), http.StatusBadRequest)
		return
	}

	if err := routes.deps.Control.Send(syncer.Role, ordinal, kind); err != nil {
		writeErrorResponse(w, err.Error(), controlErrorStatus(err))
		return
	}

	routes.logger.Info("control command sent", "command", kind.String(), "worker", ordinal)
	writeJSONResponse(w, ControlResponse{Command: kind.String(), Delivered: 1}, http.StatusOK)
}

// notify wakes waiting workers after new data was cached
func (routes *Routes) notify() int {
	if routes.deps.Control == nil {
		return 0
	}
	return routes.deps.Control.Broadcast(syncer.Role, control.SyncNotify)
}

// decode reads a non-empty JSON array into dst, writing the error response
// itself on failure
func (routes *Routes) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if routes.deps.Running != nil && !routes.deps.Running() {
		writeErrorResponse(w, "shutting down", http.StatusServiceUnavailable)
		return false
	}

	body := http.MaxBytesReader(w, r.Body, routes.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeErrorResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}

	if isEmpty(dst) {
		writeErrorResponse(w, "request body must be a non-empty array", http.StatusBadRequest)
		return false
	}
	return true
}

func isEmpty(dst any) bool {
	switch v := dst.(type) {
	case *[]cache.Value:
		return len(*v) == 0
	case *[]cache.Event:
		return len(*v) == 0
	case *[]cache.Timer:
		return len(*v) == 0
	default:
		return false
	}
}

func controlErrorStatus(err error) int {
	switch {
	case errors.Is(err, control.ErrNotSubscribed):
		return http.StatusNotFound
	case errors.Is(err, control.ErrFiltered):
		return http.StatusConflict
	case errors.Is(err, control.ErrBusy), errors.Is(err, control.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONResponse writes a JSON response with the given data
func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeErrorResponse writes a standardized error response
func writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, map[string]string{"error": message}, statusCode)
}
