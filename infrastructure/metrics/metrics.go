// Package metrics provides Prometheus metrics collection for the world
// server: tick duration, send-pipeline throughput, cache hit rate, pool
// wait time, and replica lag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors used across the core.
type Metrics struct {
	// World tick
	TickDuration   *prometheus.HistogramVec
	TickErrors     *prometheus.CounterVec
	EntitiesActive *prometheus.GaugeVec

	// Send pipeline (C9)
	BytesSent        *prometheus.CounterVec
	PacketsSent      *prometheus.CounterVec
	PacketsLost      *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	RTTMilliseconds  *prometheus.HistogramVec

	// Cache (C4)
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheDirtyDepth  *prometheus.GaugeVec
	FlushDuration    *prometheus.HistogramVec
	FlushFailures    *prometheus.CounterVec

	// Connection pool (C2)
	PoolWaitDuration *prometheus.HistogramVec
	PoolInUse        *prometheus.GaugeVec
	PoolIdle         *prometheus.GaugeVec

	// Replica pool (C5)
	ReplicaLagMS  *prometheus.GaugeVec
	ReplicaHealth *prometheus.GaugeVec
	QueryFailures *prometheus.CounterVec
}

// New creates a new Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "world_tick_duration_seconds",
				Help:    "Duration of one world tick",
				Buckets: []float64{.001, .002, .005, .01, .02, .03, .05, .1, .2},
			},
			[]string{"shard"},
		),
		TickErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_tick_errors_total",
				Help: "Internal errors raised by systems during a tick",
			},
			[]string{"shard", "system"},
		),
		EntitiesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "world_entities_active",
				Help: "Entities currently alive in a shard",
			},
			[]string{"shard"},
		),
		BytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendpipe_bytes_sent_total",
				Help: "Bytes sent by the send pipeline",
			},
			[]string{"priority"},
		),
		PacketsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendpipe_packets_sent_total",
				Help: "Packets sent by the send pipeline",
			},
			[]string{"priority", "reliability"},
		),
		PacketsLost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendpipe_packets_lost_total",
				Help: "Packets dropped after exceeding queue age",
			},
			[]string{"priority"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sendpipe_queue_depth",
				Help: "Pending packets per priority queue",
			},
			[]string{"priority"},
		),
		RTTMilliseconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sendpipe_rtt_milliseconds",
				Help:    "Per-connection RTT EWMA samples",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10),
			},
			[]string{},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Cache hits by tier",
			},
			[]string{"cache", "tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Cache misses",
			},
			[]string{"cache"},
		),
		CacheDirtyDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_dirty_depth",
				Help: "Entries awaiting write-behind flush",
			},
			[]string{"cache"},
		),
		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_flush_duration_seconds",
				Help:    "Write-behind flush duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cache"},
		),
		FlushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_flush_failures_total",
				Help: "Write-behind flush failures",
			},
			[]string{"cache"},
		),
		PoolWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pool_acquire_wait_seconds",
				Help:    "Time spent waiting to acquire a pooled session",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		PoolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_sessions_in_use",
				Help: "Sessions currently checked out",
			},
			[]string{"pool"},
		),
		PoolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_sessions_idle",
				Help: "Sessions currently idle",
			},
			[]string{"pool"},
		),
		ReplicaLagMS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replica_lag_milliseconds",
				Help: "Observed replication lag",
			},
			[]string{"replica"},
		),
		ReplicaHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replica_health_state",
				Help: "Replica health state (0=healthy .. 4=failed)",
			},
			[]string{"replica"},
		),
		QueryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replica_query_failures_total",
				Help: "Query failures against a replica",
			},
			[]string{"replica"},
		),
	}

	collectors := []prometheus.Collector{
		m.TickDuration, m.TickErrors, m.EntitiesActive,
		m.BytesSent, m.PacketsSent, m.PacketsLost, m.QueueDepth, m.RTTMilliseconds,
		m.CacheHitsTotal, m.CacheMissesTotal, m.CacheDirtyDepth, m.FlushDuration, m.FlushFailures,
		m.PoolWaitDuration, m.PoolInUse, m.PoolIdle,
		m.ReplicaLagMS, m.ReplicaHealth, m.QueryFailures,
	}
	for _, c := range collectors {
		_ = registerer.Register(c)
	}

	return m
}
