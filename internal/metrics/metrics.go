package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "job",
			Name:      "launches_total",
			Help:      "Number of launch attempts by outcome (ok, permission, error).",
		}, []string{"outcome"},
	)
	jobExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "job",
			Name:      "exits_total",
			Help:      "Number of observed job exits by terminal status.",
		}, []string{"status"},
	)
	jobKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "job",
			Name:      "kills_total",
			Help:      "Number of processes marked killed by an operator.",
		},
	)
	pendingJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "scheduler",
			Name:      "pending_jobs",
			Help:      "Scripts waiting in the in-memory pending queue.",
		},
	)
	runningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "scheduler",
			Name:      "running_jobs",
			Help:      "Jobs in the scheduler's running set.",
		},
	)
	idleDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "gpu",
			Name:      "idle_devices",
			Help:      "Idle, non-blocked devices seen by the last probe.",
		},
	)
	probeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "gpu",
			Name:      "probe_failures_total",
			Help:      "Device probes that failed or returned unparseable output.",
		},
	)
	acquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting to take the shared state.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	acquireTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "coordinator",
			Name:      "acquire_timeouts_total",
			Help:      "Bounded take attempts that timed out and were retried.",
		},
	)
	snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "persist",
			Name:      "snapshots_total",
			Help:      "State snapshots written by result (ok, error).",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		jobLaunches, jobExits, jobKills, pendingJobs, runningJobs, idleDevices,
		probeFailures, acquireWait, acquireTimeouts, snapshots, jobCPUPercent, jobMemoryMB,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(outcome string) {
	if regOK.Load() {
		jobLaunches.WithLabelValues(outcome).Inc()
	}
}

func IncExit(status string) {
	if regOK.Load() {
		jobExits.WithLabelValues(status).Inc()
	}
}

func IncKill() {
	if regOK.Load() {
		jobKills.Inc()
	}
}

func SetPending(n int) {
	if regOK.Load() {
		pendingJobs.Set(float64(n))
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningJobs.Set(float64(n))
	}
}

func SetIdleDevices(n int) {
	if regOK.Load() {
		idleDevices.Set(float64(n))
	}
}

func IncProbeFailure() {
	if regOK.Load() {
		probeFailures.Inc()
	}
}

func ObserveAcquireWait(seconds float64) {
	if regOK.Load() {
		acquireWait.Observe(seconds)
	}
}

func IncAcquireTimeout() {
	if regOK.Load() {
		acquireTimeouts.Inc()
	}
}

func IncSnapshot(result string) {
	if regOK.Load() {
		snapshots.WithLabelValues(result).Inc()
	}
}
