// ABOUTME: HTTP surface of the relay: liveness, readiness and the direct processing entry point.
// ABOUTME: POST /process runs one envelope synchronously; POST /enqueue puts one on the inbound channel.

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/2389/coven-relay/internal/consumer"
	"github.com/2389/coven-relay/internal/failure"
)

// maxBodyBytes bounds request bodies on the diagnostic endpoints.
const maxBodyBytes = 1 << 20

// ReadyResponse is the body of GET /health/ready.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Consumer  consumer.Stats    `json:"consumer"`
	Providers map[string]string `json:"providers"`
	Uptime    string            `json:"uptime"`
}

// Handler returns the relay's HTTP handler.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /health/ready", r.handleReady)
	mux.HandleFunc("POST /process", r.handleProcess)
	mux.HandleFunc("POST /enqueue", r.handleEnqueue)
	return mux
}

func (r *Relay) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response carrying the taxonomy code.
func (r *Relay) sendJSONError(w http.ResponseWriter, status int, message, code string) {
	r.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// handleHealth reports liveness only.
func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   r.config.Worker.Name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady returns 200 when the consumer runs and the store and bus answer.
func (r *Relay) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"consumer": "ok", "store": "ok", "bus": "ok"}
	ready := true
	if !r.consumer.Running() {
		checks["consumer"] = "not running"
		ready = false
	}
	if err := r.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if !r.bus.Healthy() {
		checks["bus"] = "disconnected"
		ready = false
	}

	resp := ReadyResponse{
		Status:    "ready",
		Checks:    checks,
		Consumer:  r.consumer.Stats(),
		Providers: r.dispatcher.BreakerStates(),
		Uptime:    time.Since(r.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK
	if !ready {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	r.writeJSON(w, status, resp)
}

// handleProcess runs one inbound envelope through the full pipeline and
// returns the published outbound envelope.
func (r *Relay) handleProcess(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		r.sendJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error(), failure.CodeValidation)
		return
	}

	out := r.orchestrator.Process(req.Context(), body)
	switch {
	case out.Succeeded():
		w.Header().Set("Content-Type", "application/json")
		if out.Duplicate {
			w.Header().Set("X-Relay-Duplicate", "true")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Payload)
	case out.Permanent():
		r.sendJSONError(w, http.StatusBadRequest, out.Err.Error(), failure.Code(out.Err))
	default:
		r.sendJSONError(w, http.StatusServiceUnavailable, out.Err.Error(), failure.Code(out.Err))
	}
}

// handleEnqueue publishes the request body on the inbound subject. The body
// must be JSON; its shape is checked by the pipeline when it is consumed.
func (r *Relay) handleEnqueue(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		r.sendJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error(), failure.CodeValidation)
		return
	}
	if !json.Valid(body) {
		r.sendJSONError(w, http.StatusBadRequest, "request body is not valid JSON", failure.CodeValidation)
		return
	}
	if err := r.bus.Publish(req.Context(), r.config.Bus.InboundSubject, body); err != nil {
		r.logger.Warn("enqueue failed", "error", err)
		r.sendJSONError(w, http.StatusServiceUnavailable, err.Error(), failure.CodeTransient)
		return
	}
	r.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "queued",
		"subject": r.config.Bus.InboundSubject,
	})
}
