package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "sensor_health_"

	resultSuccess = "success"
	resultError   = "error"
	resultFatal   = "fatal"

	notificationSent       = "sent"
	notificationFailed     = "failed"
	notificationSuppressed = "suppressed"
	notificationNoTarget   = "no_recipients"
)

var (
	registerOnce sync.Once

	dispatchRunsTotal   *prometheus.CounterVec
	dispatchRunLatency  *prometheus.HistogramVec
	dispatchDeferred    prometheus.Counter
	sensorsEvaluated    *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	ledgerConflicts     *prometheus.CounterVec
	storeErrorsTotal    *prometheus.CounterVec
	consumerLag         *prometheus.GaugeVec
	exportTotal         *prometheus.CounterVec
	exportLatency       *prometheus.HistogramVec
	statusEventsDropped *prometheus.CounterVec
)

// Init registers collectors and DB-backed gauges. Safe to call more than once.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		dispatchRunsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_runs_total",
				Help: "Total dispatch runs by mode and result",
			},
			[]string{"mode", "result"},
		)
		dispatchRunLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "dispatch_run_latency_seconds",
				Help:    "Dispatch run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		)
		dispatchDeferred = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_deferred_sensors_total",
				Help: "Sensors left for the next run because the run deadline expired",
			},
		)
		sensorsEvaluated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sensors_evaluated_total",
				Help: "Total sensor evaluations by resulting status",
			},
			[]string{"status"},
		)
		statusTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_transitions_total",
				Help: "Persisted status transitions",
			},
			[]string{"from", "to"},
		)
		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Alert notifications by category and result",
			},
			[]string{"category", "result"},
		)
		ledgerConflicts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_conflicts_total",
				Help: "Ledger reservations lost to a concurrent dispatcher or an open cooldown",
			},
			[]string{"category"},
		)
		storeErrorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_errors_total",
				Help: "Per-sensor store failures by operation",
			},
			[]string{"op"},
		)
		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)
		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_export_total",
				Help: "Notification ledger exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ledger_export_latency_seconds",
				Help:    "Notification ledger export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)
		statusEventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_events_dropped_total",
				Help: "Status change events dropped by sink",
			},
			[]string{"sink"},
		)

		prometheus.MustRegister(
			dispatchRunsTotal,
			dispatchRunLatency,
			dispatchDeferred,
			sensorsEvaluated,
			statusTransitions,
			notificationsTotal,
			ledgerConflicts,
			storeErrorsTotal,
			consumerLag,
			exportTotal,
			exportLatency,
			statusEventsDropped,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveDispatchRun records a completed run.
func ObserveDispatchRun(mode, result string, duration time.Duration, deferred int) {
	if mode == "" {
		mode = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if dispatchRunsTotal != nil {
		dispatchRunsTotal.WithLabelValues(mode, result).Inc()
	}
	if dispatchRunLatency != nil {
		dispatchRunLatency.WithLabelValues(mode).Observe(duration.Seconds())
	}
	if dispatchDeferred != nil && deferred > 0 {
		dispatchDeferred.Add(float64(deferred))
	}
}

// IncSensorEvaluated counts an evaluation outcome.
func IncSensorEvaluated(status string) {
	if status == "" {
		status = "unknown"
	}
	if sensorsEvaluated != nil {
		sensorsEvaluated.WithLabelValues(status).Inc()
	}
}

// IncStatusTransition counts a persisted status change.
func IncStatusTransition(from, to string) {
	if from == "" {
		from = "unknown"
	}
	if statusTransitions != nil {
		statusTransitions.WithLabelValues(from, to).Inc()
	}
}

// IncNotification counts a notification attempt outcome.
func IncNotification(category, result string) {
	if category == "" {
		category = "unknown"
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(category, result).Inc()
	}
}

// IncLedgerConflict counts a lost reservation.
func IncLedgerConflict(category string) {
	if ledgerConflicts != nil {
		ledgerConflicts.WithLabelValues(category).Inc()
	}
}

// IncStoreError counts a per-sensor store failure.
func IncStoreError(op string) {
	if op == "" {
		op = "unknown"
	}
	if storeErrorsTotal != nil {
		storeErrorsTotal.WithLabelValues(op).Inc()
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncStatusEventDropped counts a status event a sink could not deliver.
func IncStatusEventDropped(sink string) {
	if statusEventsDropped != nil {
		statusEventsDropped.WithLabelValues(sink).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultFatal   = resultFatal

	NotificationSent         = notificationSent
	NotificationFailed       = notificationFailed
	NotificationSuppressed   = notificationSuppressed
	NotificationNoRecipients = notificationNoTarget
)
