package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sensor-health/internal/audit"
	"sensor-health/internal/auth"
	"sensor-health/internal/logging"
	sensorapp "sensor-health/internal/sensors/application"
	sensors "sensor-health/internal/sensors/domain"
)

const (
	timeLayout   = time.RFC3339
	defaultLimit = 100
	maxLimit     = 1000
)

// DispatchService is the application surface used by the handlers.
type DispatchService interface {
	Run(ctx context.Context) (sensorapp.RunReport, error)
	Sweep(ctx context.Context) (sensorapp.RunReport, error)
	EvaluateSensor(ctx context.Context, sensorID string) (sensorapp.Evaluation, error)
}

// Handler provides dispatch trigger, evaluation and ledger endpoints.
type Handler struct {
	dispatcher  DispatchService
	ledger      sensorapp.LedgerReader
	checker     auth.SensorAccessChecker
	auditLogger audit.Logger
	logger      logrus.FieldLogger
}

// NewHandler constructs a handler.
func NewHandler(dispatcher DispatchService, ledger sensorapp.LedgerReader, checker auth.SensorAccessChecker, auditLogger audit.Logger, logger logrus.FieldLogger) (*Handler, error) {
	if dispatcher == nil {
		return nil, errors.New("sensors handler: nil dispatcher")
	}
	if ledger == nil {
		return nil, errors.New("sensors handler: nil ledger")
	}
	return &Handler{
		dispatcher:  dispatcher,
		ledger:      ledger,
		checker:     checker,
		auditLogger: auditLogger,
		logger:      logging.OrDiscard(logger),
	}, nil
}

// ServeHTTP handles the dispatch trigger, /api/v1/sensors/{id}/evaluate and /api/v1/notifications.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/internal/v1/dispatch/run":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRun(w, r)
	case path == "/api/v1/notifications":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case strings.HasPrefix(path, "/api/v1/notifications/export."):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleExport(w, r, strings.TrimPrefix(path, "/api/v1/notifications/export."))
	case strings.HasPrefix(path, "/api/v1/sensors/") && strings.HasSuffix(path, "/evaluate"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sensorID := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/sensors/"), "/evaluate")
		if sensorID == "" || strings.Contains(sensorID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.handleEvaluate(w, r, sensorID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type runRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Mode == "" {
		req.Mode = sensorapp.ModeFull
	}

	// the run outlives a disconnected caller; the dispatcher bounds it with its own deadline
	ctx := context.WithoutCancel(r.Context())
	var report sensorapp.RunReport
	switch req.Mode {
	case sensorapp.ModeFull:
		report, err = h.dispatcher.Run(ctx)
	case sensorapp.ModeSweep:
		report, err = h.dispatcher.Sweep(ctx)
	default:
		http.Error(w, "mode must be full or sweep", http.StatusBadRequest)
		return
	}
	if errors.Is(err, sensorapp.ErrRunInProgress) {
		http.Error(w, "dispatch run already in progress", http.StatusConflict)
		return
	}

	h.logAudit(r, "dispatch.run", "dispatch", report.RunID, map[string]any{
		"mode":            report.Mode,
		"notified":        report.Notified,
		"failed":          report.Failed,
		"dispatch_failed": report.DispatchFailed,
		"deferred":        report.Deferred,
		"fatal":           report.Fatal,
	})

	status := http.StatusOK
	if err != nil {
		h.logger.WithError(err).WithField("run_id", report.RunID).Error("triggered dispatch run failed")
		status = http.StatusInternalServerError
		if errors.Is(err, sensors.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, report)
}

type evaluateResponse struct {
	sensorapp.Evaluation
	DispatchError string `json:"dispatch_error,omitempty"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request, sensorID string) {
	if err := h.ensureAccess(r, sensorID); err != nil {
		respondAccessError(w, err)
		return
	}
	result, err := h.dispatcher.EvaluateSensor(r.Context(), sensorID)
	var dispatchErr *sensors.DispatchError
	switch {
	case err == nil:
	case errors.Is(err, sensors.ErrNotFound):
		http.Error(w, "sensor not found", http.StatusNotFound)
		return
	case errors.As(err, &dispatchErr):
		writeJSON(w, http.StatusOK, evaluateResponse{Evaluation: result, DispatchError: dispatchErr.Error()})
		return
	case sensors.IsStoreError(err):
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logAudit(r, "sensor.evaluate", "sensor", sensorID, map[string]any{
		"status":   result.Status,
		"changed":  result.Changed,
		"notified": result.Notified,
	})
	writeJSON(w, http.StatusOK, evaluateResponse{Evaluation: result})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	records, err := h.ledger.ListRecords(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("list notification records failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []sensors.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) parseFilter(w http.ResponseWriter, r *http.Request) (sensors.RecordFilter, bool) {
	query := r.URL.Query()
	filter := sensors.RecordFilter{SensorID: strings.TrimSpace(query.Get("sensor_id")), Limit: defaultLimit}

	var err error
	if filter.From, err = parseOptionalTime(query.Get("from"), "from"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return filter, false
	}
	if filter.To, err = parseOptionalTime(query.Get("to"), "to"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return filter, false
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return filter, false
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return filter, false
		}
		if limit > maxLimit {
			limit = maxLimit
		}
		filter.Limit = limit
	}

	if filter.SensorID == "" {
		if auth.RoleFromContext(r.Context()) != auth.RoleAdmin {
			http.Error(w, "sensor_id is required", http.StatusBadRequest)
			return filter, false
		}
		return filter, true
	}
	if err := h.ensureAccess(r, filter.SensorID); err != nil {
		respondAccessError(w, err)
		return filter, false
	}
	return filter, true
}

func (h *Handler) ensureAccess(r *http.Request, sensorID string) error {
	if h.checker == nil || auth.RoleFromContext(r.Context()) == auth.RoleAdmin {
		return nil
	}
	return h.checker.EnsureSensorAccess(r.Context(), auth.SubjectFromContext(r.Context()), sensorID)
}

func (h *Handler) logAudit(r *http.Request, action, resourceType, resourceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.WithError(err).WithField("action", action).Warn("audit log write failed")
	}
}

func respondAccessError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, auth.ErrForbidden) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if errors.Is(err, auth.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, "access check failed", http.StatusInternalServerError)
}

func parseOptionalTime(value, key string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
