package universe

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/0xPolygon/pdes/history"
	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/pdeserr"
)

// ObjectState is an opaque, immutable payload supplied by the embedding
// application. The kernel stores it as an interface value and never
// inspects it beyond identity/equality, which is exactly what Go's `==`
// gives an `any` holding a comparable dynamic type; nil stands for "the
// object does not exist at this instant".
type ObjectState = any

// TxnID identifies a live Transaction. TxnID and CoordID exist so
// ObjectData never holds a *Transaction directly — only the Universe's
// transaction map does — breaking the Transaction<->ObjectData and
// Transaction<->TransactionCoordinator reference cycles with non-owning
// ids, the arena-of-ids way a systems language would.
type TxnID uint64

// CoordID identifies a live TransactionCoordinator.
type CoordID uint64

// objectData is the per-object committed/uncommitted state-history plus
// reader/writer trackers. Its lock guards all its fields.
type objectData struct {
	lockBase

	id objectid.ObjectId

	stateHistory       *history.ValueHistory[ObjectState]
	uncommittedWriters *history.SetHistory[TxnID]
	uncommittedReaders *history.SetHistory[TxnID]

	latestCommit instant.Instant

	// creatorAt records, for an object whose history is still empty, which
	// transaction is in the process of creating it at a given instant. While
	// the history is still empty, a tryAppend from that transaction at that
	// instant whose state equals the existing value there is a no-op
	// acknowledgement rather than a failure. The entry is dropped once an
	// append lands, so a repeat after a successful append is not covered.
	creatorAt map[instant.Instant]TxnID
}

func newObjectData(id objectid.ObjectId, lockID uint64) *objectData {
	return &objectData{
		lockBase:           lockBase{id: lockID},
		id:                 id,
		stateHistory:       history.New[ObjectState](nil),
		uncommittedWriters: history.NewSetHistory[TxnID](),
		uncommittedReaders: history.NewSetHistory[TxnID](),
		latestCommit:       instant.StartOfTime,
		creatorAt:          make(map[instant.Instant]TxnID),
	}
}

func (od *objectData) emptyHistoryLocked() bool {
	_, has := od.stateHistory.FirstTransitionTime()
	return !has && od.stateHistory.FirstValue() == nil
}

// isEmpty reports whether this ObjectData has no recorded history at all —
// after a rollback, an empty ObjectData may be dropped from the Universe.
func (od *objectData) isEmpty() bool {
	od.Lock()
	defer od.Unlock()
	return od.emptyHistoryLocked()
}

// markCreator records that tx is attempting to create this object at t, for
// tryAppend's no-op creation acknowledgement on a still-empty history.
func (od *objectData) markCreator(tx TxnID, t instant.Instant) {
	od.Lock()
	defer od.Unlock()
	if od.emptyHistoryLocked() {
		od.creatorAt[t] = tx
	}
}

// commitWriter asserts latestCommit < t, advances latestCommit, and removes
// tx from uncommittedWriters. Reports whether this commit brought the object
// into existence, i.e. the transition at t is the history's first.
func (od *objectData) commitWriter(tx TxnID, t instant.Instant, state ObjectState) (created bool, err error) {
	od.Lock()
	defer od.Unlock()

	if !(od.latestCommit < t) {
		return false, fmt.Errorf("pdes: commitWriter: latestCommit %d is not before %d", od.latestCommit, t)
	}

	at, ok := od.stateHistory.TransitionAtOrAfter(t)
	if !ok || at != t {
		return false, fmt.Errorf("pdes: commitWriter: no transition recorded at %d", t)
	}

	first, _ := od.stateHistory.FirstTransitionTime()
	created = first == t && state != nil

	if state == nil {
		od.latestCommit = instant.EndOfTime
	} else {
		od.latestCommit = t
	}

	od.uncommittedWriters.Remove(tx)
	delete(od.creatorAt, t)

	return created, nil
}

// rollBackWrite truncates the history from t if tx's (uncommitted) write is
// still there, and reports whether the history is now empty so the caller
// may delete this ObjectData.
func (od *objectData) rollBackWrite(tx TxnID, t instant.Instant) bool {
	od.Lock()
	defer od.Unlock()

	wroteHere := od.uncommittedWriters.Contains(tx).Get(t)
	if od.latestCommit < t && wroteHere {
		od.stateHistory.RemoveTransitionsFrom(t)
	}

	od.uncommittedWriters.Remove(tx)
	delete(od.creatorAt, t)

	return od.emptyHistoryLocked()
}

// tryAppend is the central write path: it validates the write, and on
// success reports which transactions must now abort (they read a value just
// overwritten) and which must be escalated to successors of tx (they had
// been reading past the end, and now there is a real value there).
func (od *objectData) tryAppend(tx TxnID, t instant.Instant, state ObjectState) (abort, escalate []TxnID, err error) {
	od.Lock()
	defer od.Unlock()

	_, hadAnyTransition := od.stateHistory.FirstTransitionTime()
	destroyed := hadAnyTransition && od.stateHistory.LastValue() == nil
	if destroyed && state != nil {
		return nil, nil, pdeserr.ResurrectionError{Object: od.id}
	}

	if t <= od.latestCommit {
		return nil, nil, pdeserr.WriteInvalidatedError{Object: od.id, When: t, LatestCommit: od.latestCommit}
	}

	if od.emptyHistoryLocked() {
		if creator, ok := od.creatorAt[t]; ok && creator == tx {
			if od.stateHistory.Get(t) == state {
				return nil, nil, nil
			}
		}
	}

	priorLastTransition, hadTransition := od.stateHistory.LastTransitionTime()

	if err := od.stateHistory.AppendTransition(t, state); err != nil {
		return nil, nil, err
	}

	od.uncommittedWriters.AddFrom(t, tx)
	delete(od.creatorAt, t)

	// Every registered reader beyond the previous end of history is affected
	// by this append. A reader whose read instant is exactly t observed a
	// value this append just overwrote and must abort. The rest had merely
	// been reading past the end; they are promoted to successors of tx.
	atT := od.uncommittedReaders.Get(t)
	beyondT := mapset.NewThreadUnsafeSet[TxnID]()
	if next, tickErr := t.NextTick(); tickErr == nil {
		beyondT = od.uncommittedReaders.Get(next)
	}
	abortedHere := atT.Difference(beyondT)
	for r := range abortedHere.Iter() {
		abort = append(abort, r)
	}

	prev := instant.StartOfTime
	if hadTransition {
		prev = priorLastTransition
	}
	if boundary, tickErr := prev.NextTick(); tickErr == nil {
		for r := range od.uncommittedReaders.Get(boundary).Iter() {
			if abortedHere.Contains(r) {
				continue
			}
			escalate = append(escalate, r)
		}
	}

	return abort, escalate, nil
}

// readUncached returns the value at t plus any uncommitted writers tx must
// now depend on, and whether t is a past-the-end read.
func (od *objectData) readUncached(tx TxnID, t instant.Instant) (state ObjectState, mustCommitBefore []TxnID, pastTheEnd bool) {
	od.Lock()
	defer od.Unlock()

	state = od.stateHistory.Get(t)

	if t <= od.latestCommit {
		// Committed data is final; in particular a read beyond a destroyed
		// object's last transition is never past-the-end.
		return state, nil, false
	}

	if last, has := od.stateHistory.LastTransitionTime(); has {
		pastTheEnd = t > last
	} else {
		pastTheEnd = t > instant.StartOfTime
	}

	od.uncommittedReaders.AddUntil(t, tx)

	seen := map[TxnID]struct{}{tx: {}}
	collect := func(at instant.Instant) {
		for w := range od.uncommittedWriters.Get(at).Iter() {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			mustCommitBefore = append(mustCommitBefore, w)
		}
	}

	collect(t)
	if next, ok := od.stateHistory.TransitionAtOrAfter(t); ok {
		collect(next)
	}

	return state, mustCommitBefore, pastTheEnd
}

// forgetReader drops tx's reader registration once tx reaches a terminal
// state, so later appends stop trying to abort or escalate it.
func (od *objectData) forgetReader(tx TxnID) {
	od.Lock()
	defer od.Unlock()
	od.uncommittedReaders.Remove(tx)
}

// latestCommitOf reports latestCommit without taking a reader dependency;
// used by the Universe to derive historyEnd and by the engine driver to pick
// its next read instant.
func (od *objectData) latestCommitOf() instant.Instant {
	od.Lock()
	defer od.Unlock()
	return od.latestCommit
}
