package telemetry

import (
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulerTicks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "digest_scheduler_ticks_total", Help: "Scheduler ticks started"})
	SchedulerSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "digest_scheduler_ticks_skipped_total", Help: "Ticks skipped because a previous tick was still running"})
	DueConfigs         = prometheus.NewCounter(prometheus.CounterOpts{Name: "digest_due_configs_total", Help: "Configurations found due"})
	UsageGateDenials   = prometheus.NewCounter(prometheus.CounterOpts{Name: "digest_usage_gate_denials_total", Help: "Runs refused by the monthly usage limit"})
	TickDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "digest_scheduler_tick_seconds", Help: "Wall time of one scheduler tick", Buckets: prometheus.ExponentialBuckets(0.1, 4, 8)})
	RunsTotal          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "digest_runs_total", Help: "Report runs by terminal status"}, []string{"status"})
	DeliveriesTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "digest_webhook_deliveries_total", Help: "Webhook deliveries by platform and outcome"}, []string{"platform", "result"})
	DeliveryAttempts   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "digest_webhook_attempts", Help: "HTTP attempts per webhook delivery", Buckets: []float64{1, 2, 3, 4, 5}})
	ManualRunsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "digest_manual_runs_enqueued_total", Help: "Manual runs accepted by the task queue"})

	queueAsync = prometheus.NewGauge(prometheus.GaugeOpts{Name: "digest_queue_async_enabled", Help: "1 when manual runs are queued in Redis"})

	startTime = time.Now()
	dbOnce    sync.Once
)

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulerTicks,
			SchedulerSkipped,
			DueConfigs,
			UsageGateDenials,
			TickDuration,
			RunsTotal,
			DeliveriesTotal,
			DeliveryAttempts,
			ManualRunsEnqueued,
			queueAsync,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "digest_uptime_seconds",
				Help: "Time since process start in seconds",
			}, func() float64 { return time.Since(startTime).Seconds() }),
		)
	})
}

// RegisterDB exports connection pool stats for db. Only the first call
// registers.
func RegisterDB(db *sql.DB) {
	if db == nil {
		return
	}
	dbOnce.Do(func() {
		prometheus.MustRegister(collectors.NewDBStatsCollector(db, "digest"))
	})
}

// RegisterQueueMode exports whether manual runs go through Redis.
func RegisterQueueMode(async bool) {
	value := 0.0
	if async {
		value = 1
	}
	queueAsync.Set(value)
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
