package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "instruments",
			Help: "Registered instruments",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM instruments")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "instruments_silent",
			Help: "Instruments that never reported",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM instruments WHERE last_updated IS NULL")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "device_logs_open",
			Help: "Device event logs not yet closed",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM logs WHERE closed IS NULL")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		logger.Warn("metrics query failed", zap.String("query", query), zap.Error(err))
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
