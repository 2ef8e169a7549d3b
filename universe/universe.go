// Package universe implements the simulation kernel: a Universe owning
// per-object histories (ObjectData), optimistic non-blocking transactions,
// and the coordinator graph that merges mutually-dependent transactions so
// none commits before the others.
package universe

import (
	"sync"
	"sync/atomic"

	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/pdeserr"
	"github.com/0xPolygon/pdes/xlog"
)

// Universe is the sole owning arena for ObjectData, Transaction, and
// TransactionCoordinator: every cross-reference between those types goes
// through a TxnID/CoordID/ObjectId handle resolved back through the
// Universe's maps, never a direct pointer. That breaks the
// Transaction<->TransactionCoordinator and Transaction<->ObjectData
// reference cycles, and makes every handle a plain comparable value, cheap
// to pass across goroutines.
//
// Lock order, outermost first: graphMu, txMu, a Transaction's lock, an
// objectData's lock. historyMu sits between a Transaction's lock and an
// objectData's lock: historyEndLocked takes each objectData's lock while
// holding it.
type Universe struct {
	log xlog.Logger

	nextID atomic.Uint64

	objects sync.Map // objectid.ObjectId -> *objectData

	txMu         sync.RWMutex
	transactions map[TxnID]*Transaction

	graphMu      sync.Mutex
	coordinators map[CoordID]*TransactionCoordinator

	historyMu    sync.RWMutex
	historyStart instant.Instant

	commitCh chan outcomeNotice
	abortCh  chan outcomeNotice
	stopCh   chan struct{}
	wg       sync.WaitGroup

	stats counters
}

type counters struct {
	begun     atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
	objects   atomic.Uint64
}

// outcomeNotice carries everything the dispatch loop needs so a finished
// transaction can be dropped from the live map before its callbacks run.
type outcomeNotice struct {
	listener TransactionListener
	tx       TxnID
	created  []objectid.ObjectId
}

// Stats is a point-in-time snapshot of the Universe's coarse counters, for
// diagnostics only.
type Stats struct {
	TransactionsBegun     uint64
	TransactionsCommitted uint64
	TransactionsAborted   uint64
	ObjectsTracked        uint64
}

// Stats returns a snapshot of the kernel's counters.
func (u *Universe) Stats() Stats {
	return Stats{
		TransactionsBegun:     u.stats.begun.Load(),
		TransactionsCommitted: u.stats.committed.Load(),
		TransactionsAborted:   u.stats.aborted.Load(),
		ObjectsTracked:        u.stats.objects.Load(),
	}
}

// Option configures a Universe at construction time. The kernel is an
// embedded library, so its few tunables are functional options rather than
// a config struct or file.
type Option func(*Universe)

// WithLogger overrides the Universe's logger; the default discards output.
func WithLogger(l xlog.Logger) Option {
	return func(u *Universe) { u.log = l }
}

// WithHistoryStart seeds historyStart away from instant.StartOfTime.
func WithHistoryStart(t instant.Instant) Option {
	return func(u *Universe) { u.historyStart = t }
}

// NewUniverse constructs an empty Universe and starts its callback
// dispatcher goroutine; callers should Close when done.
func NewUniverse(opts ...Option) *Universe {
	u := &Universe{
		log:          xlog.Nop(),
		transactions: make(map[TxnID]*Transaction),
		coordinators: make(map[CoordID]*TransactionCoordinator),
		historyStart: instant.StartOfTime,
		commitCh:     make(chan outcomeNotice, 256),
		abortCh:      make(chan outcomeNotice, 256),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}

	u.wg.Add(1)
	go u.dispatchLoop()

	return u
}

// Close stops the callback dispatcher. Outstanding transactions are left as
// they are; Close does not abort them.
func (u *Universe) Close() {
	close(u.stopCh)
	u.wg.Wait()
}

func (u *Universe) dispatchLoop() {
	defer u.wg.Done()
	for {
		select {
		case <-u.stopCh:
			return
		case n := <-u.commitCh:
			n.listener.OnCommit(n.tx)
			for _, o := range n.created {
				n.listener.OnCreate(n.tx, o)
			}
		case n := <-u.abortCh:
			n.listener.OnAbort(n.tx)
		}
	}
}

func (u *Universe) allocID() uint64 {
	return u.nextID.Add(1)
}

// HistoryStart returns the current prehistory bound.
func (u *Universe) HistoryStart() instant.Instant {
	u.historyMu.RLock()
	defer u.historyMu.RUnlock()
	return u.historyStart
}

// SetHistoryStart advances the prehistory bound: requires
// historyStart <= t <= historyEnd. Older records may remain but reads
// before the new bound fail with PrehistoryError.
func (u *Universe) SetHistoryStart(t instant.Instant) error {
	u.historyMu.Lock()
	defer u.historyMu.Unlock()

	if t < u.historyStart {
		return pdeserr.InvalidArgumentError{Reason: "setHistoryStart cannot move the bound backward"}
	}
	if t > u.historyEndLocked() {
		return pdeserr.InvalidArgumentError{Reason: "setHistoryStart cannot exceed historyEnd"}
	}
	u.historyStart = t
	return nil
}

// HistoryEnd reports the minimum, across all tracked objects, of
// latestCommit — the instant before which every object's committed history
// is known-complete — raised to historyStart if it is lower. With no tracked
// objects it is EndOfTime.
func (u *Universe) HistoryEnd() instant.Instant {
	u.historyMu.RLock()
	defer u.historyMu.RUnlock()
	return u.historyEndLocked()
}

func (u *Universe) historyEndLocked() instant.Instant {
	end := instant.EndOfTime
	u.objects.Range(func(_, v any) bool {
		od := v.(*objectData)
		if c := od.latestCommitOf(); c < end {
			end = c
		}
		return true
	})
	if end < u.historyStart {
		end = u.historyStart
	}
	return end
}

// LatestCommit reports the greatest instant at which o's committed writes
// are known-complete, without registering a read
// dependency — used by the SimulationEngine driver to pick the instant its
// next transaction reads from.
func (u *Universe) LatestCommit(o objectid.ObjectId) instant.Instant {
	return u.getOrCreateObjectData(o).latestCommitOf()
}

// getOrCreateObjectData returns the ObjectData for o, allocating one (and a
// fresh lockable id for it) on first touch.
func (u *Universe) getOrCreateObjectData(o objectid.ObjectId) *objectData {
	if v, ok := u.objects.Load(o); ok {
		return v.(*objectData)
	}
	od := newObjectData(o, u.allocID())
	actual, loaded := u.objects.LoadOrStore(o, od)
	if !loaded {
		u.stats.objects.Add(1)
	}
	return actual.(*objectData)
}

func (u *Universe) forgetObjectIfEmpty(o objectid.ObjectId, od *objectData) {
	if od.isEmpty() {
		u.objects.CompareAndDelete(o, od)
	}
}

// BeginTransaction allocates a Transaction in state Reading owning a fresh
// single-member coordinator.
func (u *Universe) BeginTransaction(listener TransactionListener) *Transaction {
	txID := TxnID(u.allocID())
	coordID := CoordID(u.allocID())

	u.graphMu.Lock()
	u.coordinators[coordID] = newCoordinator(coordID, txID)
	u.graphMu.Unlock()

	tx := newTransaction(txID, u.allocID(), u, coordID, listener)

	u.txMu.Lock()
	u.transactions[txID] = tx
	u.txMu.Unlock()

	u.stats.begun.Add(1)
	u.log.Debug("transaction begun", "tx", txID, "coordinator", coordID)

	return tx
}

func (u *Universe) lookupTransaction(id TxnID) *Transaction {
	u.txMu.RLock()
	defer u.txMu.RUnlock()
	return u.transactions[id]
}

// coordinatorOfLocked resolves a transaction's current coordinator. Callers
// must hold u.graphMu, which orders before the transaction lock taken here
// and excludes concurrent merges, so the returned id cannot be retargeted
// while the caller still holds graphMu.
func (u *Universe) coordinatorOfLocked(id TxnID) CoordID {
	tx := u.lookupTransaction(id)
	if tx == nil {
		return 0
	}
	tx.Lock()
	defer tx.Unlock()
	return tx.coord
}

func (u *Universe) setTxnCoordinator(id TxnID, coord CoordID) {
	tx := u.lookupTransaction(id)
	if tx == nil {
		return
	}
	tx.Lock()
	tx.coord = coord
	tx.Unlock()
}

func (u *Universe) clearPastTheEndRead(id TxnID, o objectid.ObjectId) {
	tx := u.lookupTransaction(id)
	if tx == nil {
		return
	}
	tx.clearPastTheEndRead(o)
}

// addPredecessor records that writer must commit before dependent can,
// merging their coordinators if this closes a cycle. Both coordinator ids
// are resolved under graphMu so a concurrent merge cannot retarget either
// between resolution and the edge insert. Callers must not hold any
// transaction lock.
func (u *Universe) addPredecessor(writer, dependent TxnID) {
	u.graphMu.Lock()
	defer u.graphMu.Unlock()

	writerCoord := u.coordinatorOfLocked(writer)
	dependentCoord := u.coordinatorOfLocked(dependent)
	if writerCoord == 0 || dependentCoord == 0 || writerCoord == dependentCoord {
		return
	}
	u.addPredecessorEdgeLocked(writerCoord, dependentCoord)
}

// abortTransaction is the single abort entry point: it tears down tx's whole
// coordinator, which finishes every mutual transaction exactly once and
// cascades to every successor coordinator. Coordinator
// teardown is itself idempotent (beginAbortCoordinator no-ops once the
// coordinator is gone), so concurrent callers — a reader named in an
// abortSet, Transaction.BeginAbort, and the cascade reaching this same
// transaction as someone else's mutual — never double-finish it.
//
// tx.coord can be retargeted by a concurrent coordinator merge between the
// moment this reads it and the moment beginAbortCoordinator looks it up, so
// this re-resolves tx.coord and retries whenever the id it read has already
// been torn down out from under it. The loop always converges because a
// merge strictly shrinks the number of live coordinators, and it stops
// immediately once tx itself reaches a terminal state.
func (u *Universe) abortTransaction(id TxnID) {
	tx := u.lookupTransaction(id)
	if tx == nil {
		return
	}

	const maxRounds = 64
	for i := 0; i < maxRounds; i++ {
		tx.Lock()
		state := tx.state
		coord := tx.coord
		tx.Unlock()

		if state == Committed || state == Aborted {
			return
		}
		if u.beginAbortCoordinator(coord) {
			return
		}
	}
}

// finishAbortOne finalizes a single transaction already known to be leaving
// its (now-deleted) coordinator: rolls back its writes, marks it Aborted,
// and dispatches the listener notification. Guarded so a transaction already
// Aborted or Committed (raced past by some other path) is left untouched,
// and so is one already Aborting — that state is only ever transient, set
// just below by the one caller that then finishes it, so a second observer
// has nothing left to do.
func (u *Universe) finishAbortOne(id TxnID) {
	tx := u.lookupTransaction(id)
	if tx == nil {
		return
	}

	tx.Lock()
	if tx.state == Aborted || tx.state == Committed || tx.state == Aborting {
		tx.Unlock()
		return
	}
	tx.state = Aborting
	tx.Unlock()

	tx.finishAbort()
	u.stats.aborted.Add(1)
	u.removeTransaction(id)

	notice := outcomeNotice{listener: tx.listener, tx: id}
	select {
	case u.abortCh <- notice:
	default:
		tx.listener.OnAbort(id)
	}
}

func (u *Universe) commitTransaction(id TxnID) {
	tx := u.lookupTransaction(id)
	if tx == nil {
		return
	}
	created := tx.finishCommit()
	u.stats.committed.Add(1)
	u.removeTransaction(id)

	notice := outcomeNotice{listener: tx.listener, tx: id, created: created}
	select {
	case u.commitCh <- notice:
	default:
		tx.listener.OnCommit(id)
		for _, o := range created {
			tx.listener.OnCreate(id, o)
		}
	}
}

// removeTransaction drops a finished transaction from the live map; handle
// lookups from stragglers (late abort sets, stale escalations) then resolve
// to nil and no-op.
func (u *Universe) removeTransaction(id TxnID) {
	u.txMu.Lock()
	delete(u.transactions, id)
	u.txMu.Unlock()
}
