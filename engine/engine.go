// Package engine implements the SimulationEngine: the driver that pumps
// work for every simulated object through a user-supplied Executor, retrying
// aborted transactions, chaining inter-object read dependencies, and
// advancing committed history toward a caller-chosen target instant. Each
// object gets one independent objectDriver with at most one advance step in
// flight at a time; an abort simply re-submits the step.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/pdeserr"
	"github.com/0xPolygon/pdes/universe"
	"github.com/0xPolygon/pdes/xlog"
)

// PutNextStateTransition is the per-object application callback: given the
// transaction and the previous committed instant whenPrev for
// object o, it must read zero or more past states, call tx.BeginWrite for
// some whenNext > whenPrev, call tx.Put(o, ...) exactly once, and may create
// new objects with further tx.Put calls. The core never inspects its
// returned error beyond wrapping and aborting.
type PutNextStateTransition func(tx *universe.Transaction, o objectid.ObjectId, whenPrev instant.Instant) error

// Option configures a SimulationEngine at construction, the same
// functional-options idiom universe.Option uses.
type Option func(*SimulationEngine)

// WithLogger overrides the engine's logger; the default discards output.
func WithLogger(l xlog.Logger) Option {
	return func(e *SimulationEngine) { e.log = l }
}

// WithMetricsRegisterer registers the engine's prometheus collectors against
// reg instead of leaving them unregistered (the default — safe for tests and
// for embedding applications that don't scrape metrics).
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *SimulationEngine) { e.metricsReg = reg }
}

// SimulationEngine owns one objectDriver per
// object it has ever heard of, schedules their advance steps on a
// caller-supplied Executor, and exposes the outer advance/compute API.
type SimulationEngine struct {
	universe *universe.Universe
	executor Executor
	putNext  PutNextStateTransition

	log        xlog.Logger
	metricsReg prometheus.Registerer
	metrics    *metrics

	driversMu sync.RWMutex
	drivers   map[objectid.ObjectId]*objectDriver

	targetMu        sync.Mutex
	universalTarget instant.Instant

	graph *DependencyGraph

	stepCount   atomic.Uint64
	commitCount atomic.Uint64
	abortCount  atomic.Uint64
	retryCount  atomic.Uint64

	closed atomic.Bool
}

// NewSimulationEngine constructs a SimulationEngine over u, dispatching
// advance steps on exec and computing next states via putNext.
func NewSimulationEngine(u *universe.Universe, exec Executor, putNext PutNextStateTransition, opts ...Option) *SimulationEngine {
	e := &SimulationEngine{
		universe:        u,
		executor:        exec,
		putNext:         putNext,
		log:             xlog.Nop(),
		drivers:         make(map[objectid.ObjectId]*objectDriver),
		universalTarget: instant.StartOfTime,
		graph:           newDependencyGraph(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newMetrics(e.metricsReg)
	return e
}

// Close stops the engine from submitting further work to its executor:
// in-flight steps finish, pending retry timers become no-ops. It does not
// stop the executor itself (the caller owns it) and does not abort open
// transactions.
func (e *SimulationEngine) Close() {
	e.closed.Store(true)
}

// Stats exposes coarse engine counters for diagnostics, the engine-side
// analogue of Universe.Stats.
type Stats struct {
	DriverSteps           uint64
	TransactionsCommitted uint64
	TransactionsAborted   uint64
	Retries               uint64
	DriversAlive          int
}

// Stats returns a point-in-time snapshot of the engine's counters.
func (e *SimulationEngine) Stats() Stats {
	e.driversMu.RLock()
	alive := len(e.drivers)
	e.driversMu.RUnlock()

	return Stats{
		DriverSteps:           e.stepCount.Load(),
		TransactionsCommitted: e.commitCount.Load(),
		TransactionsAborted:   e.abortCount.Load(),
		Retries:               e.retryCount.Load(),
		DriversAlive:          alive,
	}
}

// DependencyGraph returns the read-only diagnostic DAG built from committed
// transactions so far.
func (e *SimulationEngine) DependencyGraph() *DependencyGraph {
	return e.graph
}

func (e *SimulationEngine) currentTarget() instant.Instant {
	e.targetMu.Lock()
	defer e.targetMu.Unlock()
	return e.universalTarget
}

// driverOf is an alias for getOrCreateDriver used at call sites where the
// object is being referenced as someone else's dependency rather than
// directly by the caller — same operation, clearer at the call site.
func (e *SimulationEngine) driverOf(o objectid.ObjectId) *objectDriver {
	return e.getOrCreateDriver(o)
}

func (e *SimulationEngine) getOrCreateDriver(o objectid.ObjectId) *objectDriver {
	e.driversMu.RLock()
	d, ok := e.drivers[o]
	e.driversMu.RUnlock()
	if ok {
		return d
	}

	e.driversMu.Lock()
	defer e.driversMu.Unlock()
	if d, ok := e.drivers[o]; ok {
		return d
	}

	d = newObjectDriver(e, o)
	// Seed from the Universe's authoritative value rather than assuming
	// StartOfTime: o may already have committed history predating this
	// driver (pre-existing data, or another driver's just-committed create).
	d.latestCommit = e.universe.LatestCommit(o)
	d.advanceTo = e.currentTarget()
	e.drivers[o] = d
	e.metrics.driversAlive.Inc()
	return d
}

func (e *SimulationEngine) wakeDriver(o objectid.ObjectId, t instant.Instant) {
	e.getOrCreateDriver(o).wake(t)
}

// registerDependency wires dependent's forward wait-set to obj's reverse
// wait-set and wakes obj's driver toward at.
func (e *SimulationEngine) registerDependency(dependent *objectDriver, obj objectid.ObjectId, at instant.Instant) {
	dep := e.getOrCreateDriver(obj)

	dependent.mu.Lock()
	dependent.objectDependencies[obj] = at
	dependent.mu.Unlock()

	dep.mu.Lock()
	dep.dependentObjects[dependent.o] = struct{}{}
	dep.mu.Unlock()

	dep.wake(at)
}

// readCommitted answers a committed-only read via a short-lived read-only
// transaction. Reading data at or before latestCommit never
// registers the throwaway transaction as an uncommitted reader, so this
// never perturbs any other transaction's dependency bookkeeping.
func (e *SimulationEngine) readCommitted(o objectid.ObjectId, t instant.Instant) (universe.ObjectState, error) {
	tx := e.universe.BeginTransaction(nil)
	state, err := tx.GetObjectState(o, t)
	_ = tx.Close()
	return state, err
}

// invokePutNext calls the application callback, converting both a returned
// error and a recovered panic into a pdeserr.CallbackError carrying the
// prior state id and write instant involved.
func (e *SimulationEngine) invokePutNext(tx *universe.Transaction, o objectid.ObjectId, when instant.Instant) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pdeserr.CallbackError{
				Prior:    objectid.ObjectStateId{Object: o, When: when},
				WhenNext: when,
				Cause:    fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if cause := e.putNext(tx, o, when); cause != nil {
		return pdeserr.CallbackError{
			Prior:    objectid.ObjectStateId{Object: o, When: when},
			WhenNext: when,
			Cause:    cause,
		}
	}
	return nil
}

// Delay computes base+d for a callback deriving its next write instant,
// converting overflow into a TimeOverflowError instead of wrapping.
func Delay(base instant.Instant, d time.Duration) (instant.Instant, error) {
	next, err := base.Plus(d)
	if err != nil {
		return 0, pdeserr.TimeOverflowError{Cause: err}
	}
	return next, nil
}

// AdvanceHistory raises the universal target instant and wakes every
// currently-known object's driver toward it.
func (e *SimulationEngine) AdvanceHistory(t instant.Instant) {
	e.targetMu.Lock()
	if t > e.universalTarget {
		e.universalTarget = t
	}
	e.targetMu.Unlock()

	e.driversMu.RLock()
	drivers := make([]*objectDriver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.driversMu.RUnlock()

	for _, d := range drivers {
		d.wake(t)
	}
}

// AdvanceHistoryObject wakes a single object's driver toward t, creating the
// driver (but not the object itself — only a committed write does that) if
// this is the first time the engine has heard of o.
func (e *SimulationEngine) AdvanceHistoryObject(o objectid.ObjectId, t instant.Instant) {
	e.getOrCreateDriver(o).wake(t)
}

// ComputeObjectState installs a slot for (o, t), wakes o's driver, and
// returns a Future that resolves once o's committed history reaches t.
func (e *SimulationEngine) ComputeObjectState(o objectid.ObjectId, t instant.Instant) *Future {
	return e.getOrCreateDriver(o).computeAt(t)
}

// AdvanceAndWait raises the universal target to t and blocks until every
// currently-known object's driver has reached it or ctx is done, returning
// the first error encountered (including ctx's), a blocking convenience
// over the purely asynchronous AdvanceHistory.
func (e *SimulationEngine) AdvanceAndWait(ctx context.Context, t instant.Instant) error {
	e.AdvanceHistory(t)

	e.driversMu.RLock()
	drivers := make([]*objectDriver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.driversMu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		d := d
		g.Go(func() error {
			_, err := d.computeAt(t).Wait(gctx)
			return err
		})
	}
	return g.Wait()
}
