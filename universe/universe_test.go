package universe_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/pdeserr"
	"github.com/0xPolygon/pdes/universe"
)

// Every Universe in this file is closed before its test returns, so unlike
// the engine package (whose object drivers retry forever by design) nothing
// here should still be running once the tests finish.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingListener struct {
	mu        sync.Mutex
	committed []universe.TxnID
	aborted   []universe.TxnID
	created   []objectid.ObjectId
	done      chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{done: make(chan struct{}, 64)}
}

func (l *recordingListener) OnCommit(tx universe.TxnID) {
	l.mu.Lock()
	l.committed = append(l.committed, tx)
	l.mu.Unlock()
	l.done <- struct{}{}
}

func (l *recordingListener) OnAbort(tx universe.TxnID) {
	l.mu.Lock()
	l.aborted = append(l.aborted, tx)
	l.mu.Unlock()
	l.done <- struct{}{}
}

func (l *recordingListener) OnCreate(tx universe.TxnID, o objectid.ObjectId) {
	l.mu.Lock()
	l.created = append(l.created, o)
	l.mu.Unlock()
}

func (l *recordingListener) waitN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		<-l.done
	}
}

// TestSoloAdvance exercises a single transaction creating then advancing an
// object with no contention.
func TestSoloAdvance(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	tx1 := u.BeginTransaction(l)
	require.NoError(t, tx1.BeginWrite(10))
	require.NoError(t, tx1.Put(o, "created"))
	require.NoError(t, tx1.BeginCommit())
	l.waitN(t, 1)
	assert.Equal(t, universe.Committed, tx1.State())

	tx2 := u.BeginTransaction(l)
	state, err := tx2.GetObjectState(o, 20)
	require.NoError(t, err)
	assert.Equal(t, "created", state)

	require.NoError(t, tx2.BeginWrite(30))
	require.NoError(t, tx2.Put(o, "advanced"))
	require.NoError(t, tx2.BeginCommit())
	l.waitN(t, 1)
	assert.Equal(t, universe.Committed, tx2.State())

	tx3 := u.BeginTransaction(l)
	state, err = tx3.GetObjectState(o, 40)
	require.NoError(t, err)
	assert.Equal(t, "advanced", state)
	require.NoError(t, tx3.Close())
}

// TestReadThenWriteConflictAborts covers the conflict rule: a reader observing a
// value later overwritten at its read instant must abort.
func TestReadThenWriteConflictAborts(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	seed := u.BeginTransaction(l)
	require.NoError(t, seed.BeginWrite(1))
	require.NoError(t, seed.Put(o, "v0"))
	require.NoError(t, seed.BeginCommit())
	l.waitN(t, 1)

	reader := u.BeginTransaction(l)
	_, err := reader.GetObjectState(o, 5)
	require.NoError(t, err)

	writer := u.BeginTransaction(l)
	require.NoError(t, writer.BeginWrite(5))
	require.NoError(t, writer.Put(o, "v1"))
	require.NoError(t, writer.BeginCommit())

	l.waitN(t, 2)

	assert.Equal(t, universe.Committed, writer.State())
	assert.Equal(t, universe.Aborted, reader.State())
}

// TestPastTheEndReadBlocksUntilAdvanced covers the blocking rule: a past-the-end read
// cannot commit until the history extends past it.
func TestPastTheEndReadBlocksUntilAdvanced(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	seed := u.BeginTransaction(l)
	require.NoError(t, seed.BeginWrite(1))
	require.NoError(t, seed.Put(o, "v0"))
	require.NoError(t, seed.BeginCommit())
	l.waitN(t, 1)

	reader := u.BeginTransaction(l)
	_, err := reader.GetObjectState(o, 100)
	require.NoError(t, err)
	require.NoError(t, reader.BeginCommit())

	assert.Equal(t, universe.Committing, reader.State())

	advancer := u.BeginTransaction(l)
	require.NoError(t, advancer.BeginWrite(50))
	require.NoError(t, advancer.Put(o, "v1"))
	require.NoError(t, advancer.BeginCommit())

	l.waitN(t, 2)

	assert.Equal(t, universe.Committed, advancer.State())
	assert.Equal(t, universe.Committed, reader.State())
}

// TestMutualDependencyMerge covers the coordinator merge. T2 takes
// a past-the-end read on oa, then writes ob; T1 reads ob just before T2's
// pending ob write, which as the next transition makes T2 precede T1, then
// writes oa past T2's pending-read boundary,
// which escalates T2 to a successor of T1 (T1 must precede T2) — the two
// edges close a cycle, forcing a coordinator merge, so neither commits until
// both are ready.
func TestMutualDependencyMerge(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	oa := objectid.New()
	ob := objectid.New()
	l := newRecordingListener()

	seed := u.BeginTransaction(l)
	require.NoError(t, seed.BeginWrite(1))
	require.NoError(t, seed.Put(oa, "a0"))
	require.NoError(t, seed.BeginCommit())
	l.waitN(t, 1)

	seed2 := u.BeginTransaction(l)
	require.NoError(t, seed2.BeginWrite(1))
	require.NoError(t, seed2.Put(ob, "b0"))
	require.NoError(t, seed2.BeginCommit())
	l.waitN(t, 1)

	t2 := u.BeginTransaction(l)
	_, err := t2.GetObjectState(oa, 1000) // past-the-end read on oa
	require.NoError(t, err)
	require.NoError(t, t2.BeginWrite(2000))
	require.NoError(t, t2.Put(ob, "b1"))

	t1 := u.BeginTransaction(l)
	_, err = t1.GetObjectState(ob, 1500) // t2's pending write at 2000 is the next transition: t2 before t1
	require.NoError(t, err)
	require.NoError(t, t1.BeginWrite(3000))
	require.NoError(t, t1.Put(oa, "a1")) // past t2's read boundary: escalates t2 to depend on t1

	require.NoError(t, t1.BeginCommit())
	assert.Equal(t, universe.Committing, t1.State(), "must wait for t2, its new coordinator-mate")

	require.NoError(t, t2.BeginCommit())
	l.waitN(t, 2)

	assert.Equal(t, universe.Committed, t1.State())
	assert.Equal(t, universe.Committed, t2.State())
}

// TestDestructionIsForever covers that writing null then writing again must
// fail with ResurrectionError.
func TestDestructionIsForever(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	tx1 := u.BeginTransaction(l)
	require.NoError(t, tx1.BeginWrite(1))
	require.NoError(t, tx1.Put(o, "alive"))
	require.NoError(t, tx1.BeginCommit())
	l.waitN(t, 1)

	tx2 := u.BeginTransaction(l)
	require.NoError(t, tx2.BeginWrite(2))
	require.NoError(t, tx2.Put(o, nil))
	require.NoError(t, tx2.BeginCommit())
	l.waitN(t, 1)

	tx3 := u.BeginTransaction(l)
	require.NoError(t, tx3.BeginWrite(3))
	err := tx3.Put(o, "resurrected")
	require.Error(t, err)
	var resErr pdeserr.ResurrectionError
	assert.ErrorAs(t, err, &resErr)
}

// TestPrehistoryReadFails covers that a read before historyStart fails.
func TestPrehistoryReadFails(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse(universe.WithHistoryStart(50))
	defer u.Close()

	o := objectid.New()
	tx := u.BeginTransaction(nil)
	_, err := tx.GetObjectState(o, 10)
	require.Error(t, err)
	var preErr pdeserr.PrehistoryError
	assert.ErrorAs(t, err, &preErr)
	assert.Equal(t, instant.Instant(50), preErr.HistoryStart)
}

// TestReadAtHistoryStartSucceeds covers the boundary: a read at exactly
// historyStart succeeds, only a read strictly before it fails.
func TestReadAtHistoryStartSucceeds(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse(universe.WithHistoryStart(50))
	defer u.Close()

	o := objectid.New()
	tx := u.BeginTransaction(nil)
	state, err := tx.GetObjectState(o, 50)
	require.NoError(t, err)
	assert.Nil(t, state)
	require.NoError(t, tx.Close())
}

// TestWriteAtOrBeforeLatestCommitInvalidated covers the "write invalidated"
// property through the Transaction API: a second transaction writing at the
// instant a first one has already committed is rejected.
func TestWriteAtOrBeforeLatestCommitInvalidated(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	tx1 := u.BeginTransaction(l)
	require.NoError(t, tx1.BeginWrite(10))
	require.NoError(t, tx1.Put(o, "v1"))
	require.NoError(t, tx1.BeginCommit())
	l.waitN(t, 1)

	tx2 := u.BeginTransaction(l)
	require.NoError(t, tx2.BeginWrite(10))
	err := tx2.Put(o, "v2")
	require.Error(t, err)
	var wiErr pdeserr.WriteInvalidatedError
	assert.ErrorAs(t, err, &wiErr)
}

// TestCloseLeavesOptimisticCommitInFlight covers the Committing row of close:
// a transaction blocked in Committing must not have its commit cancelled by
// Close, and still commits once its blocker clears.
func TestCloseLeavesOptimisticCommitInFlight(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	seed := u.BeginTransaction(l)
	require.NoError(t, seed.BeginWrite(1))
	require.NoError(t, seed.Put(o, "v0"))
	require.NoError(t, seed.BeginCommit())
	l.waitN(t, 1)

	reader := u.BeginTransaction(l)
	_, err := reader.GetObjectState(o, 100)
	require.NoError(t, err)
	require.NoError(t, reader.BeginCommit())
	require.Equal(t, universe.Committing, reader.State())

	require.NoError(t, reader.Close())
	assert.Equal(t, universe.Committing, reader.State())

	advancer := u.BeginTransaction(l)
	require.NoError(t, advancer.BeginWrite(50))
	require.NoError(t, advancer.Put(o, "v1"))
	require.NoError(t, advancer.BeginCommit())

	l.waitN(t, 2)
	assert.Equal(t, universe.Committed, reader.State())
}

// TestBeginCommitAfterAbortIsPrecluded covers the Aborted row of beginCommit.
func TestBeginCommitAfterAbortIsPrecluded(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	tx := u.BeginTransaction(l)
	_, err := tx.GetObjectState(o, 5)
	require.NoError(t, err)
	require.NoError(t, tx.BeginAbort())
	l.waitN(t, 1)
	require.Equal(t, universe.Aborted, tx.State())

	err = tx.BeginCommit()
	require.Error(t, err)
	var abErr pdeserr.AbortedTransactionError
	assert.ErrorAs(t, err, &abErr)
	assert.Equal(t, uint64(tx.ID()), abErr.TxnID)

	// beginWrite on a dead transaction stays an error, not a silent no-op.
	assert.Error(t, tx.BeginWrite(10))
}

// TestCloseAbortsOpenTransaction covers that closing an open transaction aborts it.
func TestCloseAbortsOpenTransaction(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	o := objectid.New()
	l := newRecordingListener()

	tx := u.BeginTransaction(l)
	_, err := tx.GetObjectState(o, 5)
	require.NoError(t, err)
	require.NoError(t, tx.Close())
	l.waitN(t, 1)
	assert.Equal(t, universe.Aborted, tx.State())
}
