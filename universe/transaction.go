package universe

import (
	"fmt"

	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/pdeserr"
)

// TxnState is a Transaction's position in its lifecycle state machine.
type TxnState int

const (
	Reading TxnState = iota
	Writing
	Committing
	Aborting
	Committed
	Aborted
)

func (s TxnState) String() string {
	switch s {
	case Reading:
		return "Reading"
	case Writing:
		return "Writing"
	case Committing:
		return "Committing"
	case Aborting:
		return "Aborting"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// TransactionListener receives a transaction's outcome notifications,
// normally dispatched on the Universe's callback goroutine rather than
// inline on the commit/abort path, so callbacks may arrive with a bounded but
// unspecified delay after the underlying event. When the dispatch buffer is
// full, the callback runs inline on the commit/abort path instead.
type TransactionListener interface {
	OnCommit(tx TxnID)
	OnAbort(tx TxnID)
	OnCreate(tx TxnID, o objectid.ObjectId)
}

// NopListener implements TransactionListener by doing nothing; a
// Transaction begun with a nil listener uses it.
type NopListener struct{}

func (NopListener) OnCommit(TxnID)                    {}
func (NopListener) OnAbort(TxnID)                     {}
func (NopListener) OnCreate(TxnID, objectid.ObjectId) {}

// readCacheEntry remembers a prior getObjectState result so a repeated read
// at the same (object, instant) is answered without re-touching ObjectData.
type readCacheEntry struct {
	state ObjectState
}

// Transaction is a single atomic read/write operation on the Universe,
// state-machine driven: Reading -> Writing -> Committing -> Committed, with
// Aborting -> Aborted reachable from any open state. All exported methods
// take the Transaction's own lock. No method acquires the Universe's graphMu
// while holding it; the coordinator graph is always touched after the
// transaction lock is released.
type Transaction struct {
	lockBase

	id       TxnID
	universe *Universe
	listener TransactionListener
	state    TxnState
	coord    CoordID

	readCache map[objectid.ObjectStateId]readCacheEntry

	// dependencies tracks, per object read, the earliest (object, instant)
	// this transaction depends on — used to drop its reader registrations
	// once it finishes, and exposed to the engine through Dependencies.
	dependencies map[objectid.ObjectId]objectid.ObjectStateId

	objectStatesWritten map[objectid.ObjectId]ObjectState

	writeAt instant.Instant

	maxReadAt instant.Instant

	pastTheEndReads map[objectid.ObjectId]instant.Instant
}

func newTransaction(id TxnID, lockID uint64, u *Universe, coord CoordID, listener TransactionListener) *Transaction {
	if listener == nil {
		listener = NopListener{}
	}
	return &Transaction{
		lockBase:            lockBase{id: lockID},
		id:                  id,
		universe:            u,
		listener:            listener,
		state:               Reading,
		coord:               coord,
		readCache:           make(map[objectid.ObjectStateId]readCacheEntry),
		dependencies:        make(map[objectid.ObjectId]objectid.ObjectStateId),
		objectStatesWritten: make(map[objectid.ObjectId]ObjectState),
		maxReadAt:           instant.StartOfTime,
		pastTheEndReads:     make(map[objectid.ObjectId]instant.Instant),
	}
}

// ID returns this transaction's handle.
func (tx *Transaction) ID() TxnID { return tx.id }

// State returns the current state.
func (tx *Transaction) State() TxnState {
	tx.Lock()
	defer tx.Unlock()
	return tx.state
}

// GetObjectState reads the state of o at t: legal while Reading (reading
// through to the ObjectData and registering a reader dependency) and while
// Aborting (cached results only, no new triggers).
func (tx *Transaction) GetObjectState(o objectid.ObjectId, t instant.Instant) (ObjectState, error) {
	tx.Lock()

	if t < tx.universe.HistoryStart() {
		err := pdeserr.PrehistoryError{HistoryStart: tx.universe.HistoryStart(), Requested: t}
		tx.Unlock()
		return nil, err
	}

	key := objectid.ObjectStateId{Object: o, When: t}

	switch tx.state {
	case Reading:
		// read-through below
	case Aborting:
		entry, ok := tx.readCache[key]
		state := tx.state
		tx.Unlock()
		if ok {
			return entry.state, nil
		}
		return nil, pdeserr.IllegalStateError{State: state.String(), Operation: "getObjectState"}
	default:
		state := tx.state
		tx.Unlock()
		return nil, pdeserr.IllegalStateError{State: state.String(), Operation: "getObjectState"}
	}

	if entry, ok := tx.readCache[key]; ok {
		tx.Unlock()
		return entry.state, nil
	}

	od := tx.universe.getOrCreateObjectData(o)
	state, mustCommitBefore, pastTheEnd := od.readUncached(tx.id, t)

	tx.readCache[key] = readCacheEntry{state: state}

	if prior, ok := tx.dependencies[o]; ok {
		tx.dependencies[o] = objectid.Min(prior, key)
	} else {
		tx.dependencies[o] = key
	}

	if t > tx.maxReadAt {
		tx.maxReadAt = t
	}

	if pastTheEnd {
		tx.pastTheEndReads[o] = t
	} else {
		delete(tx.pastTheEndReads, o)
	}

	tx.Unlock()

	for _, writer := range mustCommitBefore {
		tx.universe.addPredecessor(writer, tx.id)
	}

	return state, nil
}

// BeginWrite moves the transaction from Reading to Writing at write instant
// t, which every prior read must strictly precede.
func (tx *Transaction) BeginWrite(t instant.Instant) error {
	tx.Lock()
	defer tx.Unlock()

	if tx.state == Aborting {
		// The abort wins; entering write mode is quietly dropped.
		return nil
	}
	if tx.state != Reading {
		return pdeserr.IllegalStateError{State: tx.state.String(), Operation: "beginWrite"}
	}
	if t <= instant.StartOfTime {
		return pdeserr.InvalidArgumentError{Reason: "beginWrite requires an instant after StartOfTime"}
	}
	if tx.maxReadAt >= t {
		return pdeserr.InvalidArgumentError{Reason: fmt.Sprintf("beginWrite(%d) is not after prior read at %d", t, tx.maxReadAt)}
	}

	tx.writeAt = t
	tx.state = Writing
	return nil
}

// Put stores s as o's state at the write instant: legal in Writing (it
// appends through ObjectData, aborting on failure) and in Aborting (it only
// records, without touching any history).
func (tx *Transaction) Put(o objectid.ObjectId, s ObjectState) error {
	tx.Lock()

	switch tx.state {
	case Writing:
		// falls through below
	case Aborting:
		tx.objectStatesWritten[o] = s
		tx.Unlock()
		return nil
	default:
		state := tx.state
		tx.Unlock()
		return pdeserr.IllegalStateError{State: state.String(), Operation: "put"}
	}

	tx.objectStatesWritten[o] = s
	writeAt := tx.writeAt
	tx.Unlock()

	od := tx.universe.getOrCreateObjectData(o)
	od.markCreator(tx.id, writeAt)

	abortSet, escalateSet, err := od.tryAppend(tx.id, writeAt, s)

	if err != nil {
		tx.universe.abortTransaction(tx.id)
		return err
	}

	for _, r := range abortSet {
		if r == tx.id {
			continue
		}
		tx.universe.abortTransaction(r)
	}
	for _, r := range escalateSet {
		if r == tx.id {
			// Our own append just extended the history past our earlier
			// read; the read is settled, no successor edge to ourselves.
			tx.clearPastTheEndRead(o)
			continue
		}
		tx.universe.addPredecessor(tx.id, r)
		tx.universe.clearPastTheEndRead(r, o)
	}

	return nil
}

// BeginCommit moves the transaction to Committing from Reading or Writing
// and attempts an immediate (optimistic) commit. If the coordinator is not
// yet ready, the transaction stays Committing; forward progress is made
// later when upstream transactions commit or abort. On a transaction already
// Aborting, the in-flight abort finishes instead; once Aborted, the commit
// is precluded outright.
func (tx *Transaction) BeginCommit() error {
	tx.Lock()
	switch tx.state {
	case Reading, Writing:
		// Proceed below.
	case Aborting:
		tx.Unlock()
		tx.universe.finishAbortOne(tx.id)
		return nil
	case Aborted:
		tx.Unlock()
		return pdeserr.AbortedTransactionError{TxnID: uint64(tx.id)}
	default:
		state := tx.state
		tx.Unlock()
		return pdeserr.IllegalStateError{State: state.String(), Operation: "beginCommit"}
	}
	tx.state = Committing
	coord := tx.coord
	tx.Unlock()

	tx.universe.tryCommitCoordinator(coord)
	return nil
}

// BeginAbort starts an abort: legal from any open state, a no-op once
// Aborted.
func (tx *Transaction) BeginAbort() error {
	tx.Lock()
	state := tx.state
	tx.Unlock()

	if state == Aborted {
		return nil
	}
	if state == Committed {
		return pdeserr.IllegalStateError{State: state.String(), Operation: "beginAbort"}
	}

	tx.universe.abortTransaction(tx.id)
	return nil
}

// Close releases the transaction. Reading/Writing abort; an in-flight
// optimistic commit (Committing) is left to run its course; Aborting
// finishes the abort; Committed/Aborted are no-ops.
func (tx *Transaction) Close() error {
	tx.Lock()
	state := tx.state
	tx.Unlock()

	switch state {
	case Reading, Writing:
		return tx.BeginAbort()
	case Aborting:
		tx.universe.finishAbortOne(tx.id)
		return nil
	default: // Committing, Committed, Aborted
		return nil
	}
}

// Dependencies returns a snapshot of the earliest (object, instant) this
// transaction has read per object — the engine layer's only window into a
// transaction's read-set, used to build forward-wake edges between object
// drivers and the diagnostic dependency graph.
func (tx *Transaction) Dependencies() map[objectid.ObjectId]objectid.ObjectStateId {
	tx.Lock()
	defer tx.Unlock()

	out := make(map[objectid.ObjectId]objectid.ObjectStateId, len(tx.dependencies))
	for o, id := range tx.dependencies {
		out[o] = id
	}
	return out
}

// WrittenObjects returns the objects this transaction has buffered a write
// for, in Writing state or later.
func (tx *Transaction) WrittenObjects() []objectid.ObjectId {
	tx.Lock()
	defer tx.Unlock()

	out := make([]objectid.ObjectId, 0, len(tx.objectStatesWritten))
	for o := range tx.objectStatesWritten {
		out = append(out, o)
	}
	return out
}

// readyToCommit reports whether this transaction is Committing with no
// outstanding past-the-end reads — its half of the coordinator's commit
// test.
func (tx *Transaction) readyToCommit() bool {
	tx.Lock()
	defer tx.Unlock()
	return tx.state == Committing && len(tx.pastTheEndReads) == 0
}

func (tx *Transaction) clearPastTheEndRead(o objectid.ObjectId) {
	tx.Lock()
	defer tx.Unlock()
	delete(tx.pastTheEndReads, o)
}

// finishCommit applies every buffered write to its ObjectData, drops the
// transaction's reader registrations, and reports created objects for the
// listener's OnCreate.
func (tx *Transaction) finishCommit() (created []objectid.ObjectId) {
	tx.Lock()
	writeAt := tx.writeAt
	writes := tx.objectStatesWritten
	tx.state = Committed
	tx.Unlock()

	for o, s := range writes {
		od := tx.universe.getOrCreateObjectData(o)
		createdHere, err := od.commitWriter(tx.id, writeAt, s)
		if err != nil {
			continue
		}
		if createdHere {
			created = append(created, o)
		}
	}

	// No concurrent mutation once terminal; dependencies holds every object
	// this transaction ever registered as a reader of.
	for o := range tx.dependencies {
		tx.universe.getOrCreateObjectData(o).forgetReader(tx.id)
	}

	return created
}

// finishAbort rolls back every buffered write, drops the transaction's
// reader registrations, and marks it Aborted; the listener is notified by
// the caller (finishAbortOne).
func (tx *Transaction) finishAbort() {
	tx.Lock()
	writeAt := tx.writeAt
	writes := tx.objectStatesWritten
	tx.state = Aborted
	tx.Unlock()

	for o := range writes {
		od := tx.universe.getOrCreateObjectData(o)
		if empty := od.rollBackWrite(tx.id, writeAt); empty {
			tx.universe.forgetObjectIfEmpty(o, od)
		}
	}

	for o := range tx.dependencies {
		tx.universe.getOrCreateObjectData(o).forgetReader(tx.id)
	}
}
