package engine

import "github.com/prometheus/client_golang/prometheus"

// metrics groups the prometheus collectors the engine registers: one
// counter/gauge per lifecycle event rather than a single labeled catch-all.
type metrics struct {
	txBegun      prometheus.Counter
	txCommitted  prometheus.Counter
	txAborted    prometheus.Counter
	driverSteps  prometheus.Counter
	driversAlive prometheus.Gauge
	retries      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		txBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pdes", Subsystem: "engine", Name: "transactions_begun_total",
			Help: "Transactions begun by object drivers.",
		}),
		txCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pdes", Subsystem: "engine", Name: "transactions_committed_total",
			Help: "Transactions committed by object drivers.",
		}),
		txAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pdes", Subsystem: "engine", Name: "transactions_aborted_total",
			Help: "Transactions aborted by object drivers.",
		}),
		driverSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pdes", Subsystem: "engine", Name: "driver_steps_total",
			Help: "Advance steps submitted to the executor across all object drivers.",
		}),
		driversAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pdes", Subsystem: "engine", Name: "drivers_alive",
			Help: "Object drivers currently tracked by the engine.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pdes", Subsystem: "engine", Name: "driver_retries_total",
			Help: "Backoff retries issued after an aborted advance step.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.txBegun, m.txCommitted, m.txAborted, m.driverSteps, m.driversAlive, m.retries)
	}

	return m
}
