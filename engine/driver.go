package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/universe"
)

// objectDriver advances one object's history toward advanceTo, one
// transaction at a time. Every object the engine has ever been told
// about (directly via AdvanceHistory(o, _)/ComputeObjectState, or indirectly
// as a read/create dependency of another object's driver) gets exactly one
// objectDriver, and at most one scheduled advance step in flight for it —
// the running flag.
type objectDriver struct {
	o      objectid.ObjectId
	engine *SimulationEngine

	mu sync.Mutex

	latestCommit instant.Instant
	advanceTo    instant.Instant

	// steps holds the pending ComputeObjectState slots, keyed by the
	// instant they're waiting for.
	steps map[instant.Instant][]*Future

	// dependentObjects is the reverse wait-set: drivers that read this
	// object past its committed front and must be nudged when it advances.
	dependentObjects map[objectid.ObjectId]struct{}

	// objectDependencies is the forward wait-set this driver's most recent
	// transaction accumulated: objects it read past their own committed
	// front, cleared (and deregistered from those objects' dependentObjects)
	// on every commit or abort.
	objectDependencies map[objectid.ObjectId]instant.Instant

	// creating holds the objects this driver's most recent transaction
	// created, populated right before BeginCommit and drained by OnCommit or
	// OnAbort once the outcome is known.
	creating []objectid.ObjectId

	// pendingReads/pendingWrites are the in-flight transaction's read/write
	// footprint, captured just before BeginCommit so OnCommit can feed the
	// diagnostic DependencyGraph without needing the Transaction back.
	pendingReads  map[objectid.ObjectId]struct{}
	pendingWrites map[objectid.ObjectId]struct{}

	// currentTx is the transaction the in-flight step begun; outcome
	// callbacks for any other transaction are stale and ignored.
	currentTx universe.TxnID

	running atomic.Bool

	bo backoff.BackOff
}

func newObjectDriver(e *SimulationEngine, o objectid.ObjectId) *objectDriver {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Microsecond
	eb.MaxInterval = 20 * time.Millisecond
	eb.MaxElapsedTime = 0 // retries forever; the engine never gives up on an object

	return &objectDriver{
		o:                  o,
		engine:             e,
		latestCommit:       instant.StartOfTime,
		advanceTo:          instant.StartOfTime,
		steps:              make(map[instant.Instant][]*Future),
		dependentObjects:   make(map[objectid.ObjectId]struct{}),
		objectDependencies: make(map[objectid.ObjectId]instant.Instant),
		bo:                 eb,
	}
}

// wake raises advanceTo to at least t and schedules a step if the object has
// not yet reached it. Scheduling is a hint: if a step is already running (or
// already scheduled), wake is a no-op, and the running step will itself
// observe the raised target when it's done.
func (d *objectDriver) wake(t instant.Instant) {
	d.mu.Lock()
	if t > d.advanceTo {
		d.advanceTo = t
	}
	need := d.advanceTo > d.latestCommit
	d.mu.Unlock()

	if need {
		d.schedule()
	}
}

func (d *objectDriver) schedule() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	if d.engine.closed.Load() {
		d.running.Store(false)
		return
	}
	d.engine.metrics.driverSteps.Inc()
	d.engine.executor.Execute(d.step)
}

// scheduleRetry reschedules after an abort, spacing resubmissions out with
// jittered backoff so a hot ObjectData doesn't get hammered by an immediate
// thundering-herd retry.
func (d *objectDriver) scheduleRetry() {
	delay := d.bo.NextBackOff()
	if delay == backoff.Stop || delay <= 0 {
		d.schedule()
		return
	}
	time.AfterFunc(delay, d.schedule)
}

// removeDependent drops o from this driver's reverse wait-set, called when
// the dependent object's transaction that created the edge has finished
// (committed or aborted).
func (d *objectDriver) removeDependent(o objectid.ObjectId) {
	d.mu.Lock()
	delete(d.dependentObjects, o)
	d.mu.Unlock()
}

// computeAt installs (or immediately resolves) a future for t, the shared
// implementation behind SimulationEngine.ComputeObjectState and
// AdvanceAndWait's per-driver wait.
func (d *objectDriver) computeAt(t instant.Instant) *Future {
	d.mu.Lock()
	if t <= d.latestCommit {
		d.mu.Unlock()
		f := newFuture()
		state, err := d.engine.readCommitted(d.o, t)
		f.complete(state, err)
		return f
	}

	f := newFuture()
	d.steps[t] = append(d.steps[t], f)
	if t > d.advanceTo {
		d.advanceTo = t
	}
	d.mu.Unlock()

	d.schedule()
	return f
}

// step runs one advance attempt on the engine's executor. Once a transaction
// is begun, running is reset by whichever of OnCommit/OnAbort eventually
// reports its outcome — not by step itself — so the engine never has two
// transactions for the same object in flight at once, even though
// BeginCommit returns optimistically before the commit (or abort) it
// requested is actually known. Every error path closes the transaction,
// which aborts it, so OnAbort always fires and owns the retry decision.
func (d *objectDriver) step() {
	e := d.engine

	d.mu.Lock()
	target := d.advanceTo
	last := d.latestCommit
	d.mu.Unlock()

	if target <= last {
		d.running.Store(false)
		// A wake between the check above and the Store is not lost: re-check
		// and reschedule if the target moved.
		d.mu.Lock()
		again := d.advanceTo > d.latestCommit
		d.mu.Unlock()
		if again {
			d.schedule()
		}
		return
	}

	e.stepCount.Add(1)

	when := e.universe.LatestCommit(d.o)

	tx := e.universe.BeginTransaction(d)
	e.metrics.txBegun.Inc()

	d.mu.Lock()
	d.currentTx = tx.ID()
	d.mu.Unlock()

	if _, err := tx.GetObjectState(d.o, when); err != nil {
		e.log.Debug("driver step: initial read failed", "object", d.o, "when", when, "err", err)
		_ = tx.Close()
		return
	}

	if err := e.invokePutNext(tx, d.o, when); err != nil {
		e.log.Warn("putNextStateTransition failed", "object", d.o, "when", when, "err", err)
		_ = tx.BeginAbort()
		_ = tx.Close()
		return
	}

	reads := tx.Dependencies()
	readSet := make(map[objectid.ObjectId]struct{}, len(reads))
	for o := range reads {
		readSet[o] = struct{}{}
	}

	writeList := tx.WrittenObjects()
	writeSet := make(map[objectid.ObjectId]struct{}, len(writeList))
	var created []objectid.ObjectId
	for _, o := range writeList {
		writeSet[o] = struct{}{}
		if o != d.o {
			created = append(created, o)
		}
	}

	d.mu.Lock()
	d.creating = created
	d.pendingReads = readSet
	d.pendingWrites = writeSet
	d.mu.Unlock()

	for obj, dep := range reads {
		if obj == d.o {
			continue
		}
		if dep.When > e.universe.LatestCommit(obj) {
			e.registerDependency(d, obj, dep.When)
		}
	}

	if err := tx.BeginCommit(); err != nil {
		// Only reachable when the transaction was aborted out from under us;
		// OnAbort has fired (or is about to) and resets running.
		_ = tx.Close()
		return
	}
	// running stays true until OnCommit/OnAbort reports the outcome.
}

// OnCommit finishes a committed advance step: record the new committed
// front, complete satisfied compute slots, wake dependents and created
// objects, and reschedule if the target is not yet reached.
func (d *objectDriver) OnCommit(tx universe.TxnID) {
	e := d.engine

	d.mu.Lock()
	if tx != d.currentTx {
		d.mu.Unlock()
		return
	}
	d.currentTx = 0

	e.commitCount.Add(1)
	e.metrics.txCommitted.Inc()

	d.latestCommit = e.universe.LatestCommit(d.o)
	last := d.latestCommit
	target := d.advanceTo

	deps := d.objectDependencies
	d.objectDependencies = make(map[objectid.ObjectId]instant.Instant)

	toComplete := make(map[instant.Instant][]*Future)
	for t, futs := range d.steps {
		if t <= last {
			toComplete[t] = futs
			delete(d.steps, t)
		}
	}

	created := d.creating
	d.creating = nil

	reads, writes := d.pendingReads, d.pendingWrites
	d.pendingReads, d.pendingWrites = nil, nil

	dependents := make([]objectid.ObjectId, 0, len(d.dependentObjects))
	for obj := range d.dependentObjects {
		dependents = append(dependents, obj)
	}
	d.bo.Reset()
	d.mu.Unlock()

	e.graph.record(tx, reads, writes)

	for obj := range deps {
		e.driverOf(obj).removeDependent(d.o)
	}

	for t, futs := range toComplete {
		state, err := e.readCommitted(d.o, t)
		for _, f := range futs {
			f.complete(state, err)
		}
	}

	for _, obj := range dependents {
		e.wakeDriver(obj, last)
	}

	for _, obj := range created {
		e.driverOf(obj).wake(e.currentTarget())
	}

	d.running.Store(false)
	if target > last {
		d.schedule()
		return
	}
	// Re-check: a wake that arrived while running was still set would have
	// been dropped by its CAS.
	d.mu.Lock()
	again := d.advanceTo > d.latestCommit
	d.mu.Unlock()
	if again {
		d.schedule()
	}
}

// OnAbort retries the advance step if the target has not been reached; an
// abort is an internal optimistic-conflict outcome, never a user-visible
// error.
func (d *objectDriver) OnAbort(tx universe.TxnID) {
	e := d.engine

	d.mu.Lock()
	if tx != d.currentTx {
		d.mu.Unlock()
		return
	}
	d.currentTx = 0

	e.abortCount.Add(1)
	e.metrics.txAborted.Inc()

	deps := d.objectDependencies
	d.objectDependencies = make(map[objectid.ObjectId]instant.Instant)
	d.creating = nil
	d.pendingReads, d.pendingWrites = nil, nil
	target := d.advanceTo
	last := d.latestCommit
	d.mu.Unlock()

	for obj := range deps {
		e.driverOf(obj).removeDependent(d.o)
	}

	d.running.Store(false)

	if target > last {
		e.retryCount.Add(1)
		e.metrics.retries.Inc()
		d.scheduleRetry()
	}
}

// OnCreate is informational only here: object creation is handled from
// OnCommit's `created` snapshot, which needs no extra lookup since the
// driver captured it itself.
func (d *objectDriver) OnCreate(universe.TxnID, objectid.ObjectId) {}
