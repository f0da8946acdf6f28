package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"sensor-health/internal/auth"
	"sensor-health/internal/observability/metrics"
	sensors "sensor-health/internal/sensors/domain"
)

const subscriberBuffer = 16

type streamEvent struct {
	sensorID string
	payload  []byte
}

// StatusBroker fans out status transitions to connected stream clients.
type StatusBroker struct {
	mu      sync.Mutex
	clients map[chan streamEvent]struct{}
}

// NewStatusBroker constructs a broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{clients: make(map[chan streamEvent]struct{})}
}

// NotifyStatusChange implements the application StatusNotifier.
func (b *StatusBroker) NotifyStatusChange(_ context.Context, change sensors.StatusChange) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	b.broadcast(streamEvent{sensorID: change.SensorID, payload: payload})
}

// Subscribe registers a new client channel.
func (b *StatusBroker) Subscribe() chan streamEvent {
	if b == nil {
		return nil
	}
	ch := make(chan streamEvent, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *StatusBroker) Unsubscribe(ch chan streamEvent) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Clients returns the number of connected subscribers.
func (b *StatusBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// broadcast holds the lock while sending so Unsubscribe cannot close a channel mid-send.
func (b *StatusBroker) broadcast(event streamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
			metrics.IncStatusEventDropped("stream")
		}
	}
}

// subscription resolves the optional sensor filter of a stream request and checks access.
// Callers below admin must name a sensor they can see.
func subscription(r *http.Request, checker auth.SensorAccessChecker) (string, int, string) {
	sensorID := strings.TrimSpace(r.URL.Query().Get("sensor_id"))
	role := auth.RoleFromContext(r.Context())
	if role == auth.RoleAdmin || checker == nil {
		return sensorID, 0, ""
	}
	if sensorID == "" {
		return "", http.StatusBadRequest, "sensor_id is required"
	}
	err := checker.EnsureSensorAccess(r.Context(), auth.SubjectFromContext(r.Context()), sensorID)
	switch {
	case err == nil:
		return sensorID, 0, ""
	case errors.Is(err, auth.ErrForbidden):
		return "", http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrNotFound):
		return "", http.StatusNotFound, "not found"
	default:
		return "", http.StatusInternalServerError, "access check failed"
	}
}

// StreamHandler serves the SSE status stream.
type StreamHandler struct {
	broker  *StatusBroker
	checker auth.SensorAccessChecker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *StatusBroker, checker auth.SensorAccessChecker) *StreamHandler {
	return &StreamHandler{broker: broker, checker: checker}
}

// ServeHTTP handles GET /api/v1/sensors/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	sensorID, code, msg := subscription(r, h.checker)
	if code != 0 {
		http.Error(w, msg, code)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.Subscribe()
	if ch == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer h.broker.Unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if sensorID != "" && event.sensorID != sensorID {
				continue
			}
			_, _ = w.Write([]byte("event: status\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(event.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}
