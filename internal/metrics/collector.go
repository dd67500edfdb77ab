package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionStats provides the metrics collector access to live session state.
type SessionStats interface {
	SessionActive() bool
	ActiveSources() int
	CoachingActive() bool
	LiveSubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats SessionStats

	sessionActive   *prometheus.Desc
	activeSources   *prometheus.Desc
	coachingActive  *prometheus.Desc
	liveSubscribers *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). stats may be nil before wiring.
func NewCollector(pool *pgxpool.Pool, stats SessionStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		sessionActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "session_active"),
			"1 while a transcription session is active.",
			nil, nil,
		),
		activeSources: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_sources"),
			"Number of speech sources currently delivering events.",
			nil, nil,
		),
		coachingActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "coaching_active"),
			"1 while a coaching episode is in a non-idle state.",
			nil, nil,
		),
		liveSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "live_subscribers_active"),
			"Current number of SSE/WebSocket subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionActive
	ch <- c.activeSources
	ch <- c.coachingActive
	ch <- c.liveSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var active, sources, coaching, subs float64
	if c.stats != nil {
		active = boolGauge(c.stats.SessionActive())
		sources = float64(c.stats.ActiveSources())
		coaching = boolGauge(c.stats.CoachingActive())
		subs = float64(c.stats.LiveSubscriberCount())
	}
	ch <- prometheus.MustNewConstMetric(c.sessionActive, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.activeSources, prometheus.GaugeValue, sources)
	ch <- prometheus.MustNewConstMetric(c.coachingActive, prometheus.GaugeValue, coaching)
	ch <- prometheus.MustNewConstMetric(c.liveSubscribers, prometheus.GaugeValue, subs)

	// Database pool stats
	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
