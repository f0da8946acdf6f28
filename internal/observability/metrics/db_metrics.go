package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var trackedStatuses = []string{"unknown", "ok", "warning", "alert", "offline"}

func registerDBMetrics(db *sql.DB, logger logrus.FieldLogger) {
	for _, status := range trackedStatuses {
		status := status
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "sensors_by_status",
				Help:        "Sensors currently in each status",
				ConstLabels: prometheus.Labels{"status": status},
			},
			func() float64 {
				return queryCount(db, logger, "SELECT COUNT(*) FROM sensors WHERE status = $1", status)
			},
		))
	}

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "ledger_open_reservations",
			Help: "Notification heads currently claimed by a dispatcher",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM notification_heads WHERE claim_token IS NOT NULL")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "ledger_records",
			Help: "Stored notification records",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM notification_records")
		},
	))
}

func queryCount(db *sql.DB, logger logrus.FieldLogger, query string, args ...any) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query, args...).Scan(&count); err != nil {
		if logger != nil {
			logger.WithError(err).Warn("metrics query failed")
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
