package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xPolygon/pdes/engine"
	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/pdeserr"
	"github.com/0xPolygon/pdes/universe"
)

// stoppable is satisfied by NewBoundedExecutor's concrete type without the
// test package needing to import it directly; every test that spawns one
// drains its workers before returning. Object drivers retry forever by
// design, so a driver still waiting on a never-satisfied dependency or a
// perpetually-failing callback is expected background activity, not a leak —
// this package deliberately does not run under goleak.
type stoppable interface {
	StopWait()
}

func stopExecutor(exec engine.Executor) {
	if s, ok := exec.(stoppable); ok {
		s.StopWait()
	}
}

// counterPutNext writes an incrementing int every 10 ticks, starting from
// whatever was last committed (or 0 for a brand new object) — enough to
// exercise a driver advancing an object's history with no contention.
func counterPutNext(tx *universe.Transaction, o objectid.ObjectId, whenPrev instant.Instant) error {
	val := 0
	if state, err := tx.GetObjectState(o, whenPrev); err == nil && state != nil {
		val = state.(int)
	}

	next := instant.Instant(10)
	if whenPrev != instant.StartOfTime {
		next = whenPrev + 10
	}
	if err := tx.BeginWrite(next); err != nil {
		return err
	}
	return tx.Put(o, val+1)
}

func TestEngineSoloAdvance(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	exec := engine.NewBoundedExecutor(4)
	defer stopExecutor(exec)
	e := engine.NewSimulationEngine(u, exec, counterPutNext)
	defer e.Close()

	o := objectid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// AdvanceHistoryObject seeds o's driver and wakes it; AdvanceAndWait then
	// has a driver to actually wait on.
	e.AdvanceHistoryObject(o, 100)
	require.NoError(t, e.AdvanceAndWait(ctx, 100))

	state, err := e.ComputeObjectState(o, 100).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, state)

	stats := e.Stats()
	assert.GreaterOrEqual(t, stats.TransactionsCommitted, uint64(10))
	assert.Equal(t, uint64(0), stats.TransactionsAborted)
}

func TestEngineComputeObjectStateWaits(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	exec := engine.NewBoundedExecutor(4)
	defer stopExecutor(exec)
	e := engine.NewSimulationEngine(u, exec, counterPutNext)
	defer e.Close()

	o := objectid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ComputeObjectState alone — with no separate AdvanceHistory call — must
	// be enough to drive the object's own driver toward the requested instant.
	state, err := e.ComputeObjectState(o, 30).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, state)
}

func TestDelayOverflows(t *testing.T) {
	t.Parallel()

	got, err := engine.Delay(10, 5*time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, instant.Instant(15), got)

	_, err = engine.Delay(instant.EndOfTime-1, 2*time.Nanosecond)
	require.Error(t, err)
	var toErr pdeserr.TimeOverflowError
	assert.ErrorAs(t, err, &toErr)
}

func alwaysFailPutNext(*universe.Transaction, objectid.ObjectId, instant.Instant) error {
	return fmt.Errorf("application callback refuses to advance this object")
}

func TestEngineComputeObjectStateCancels(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	exec := engine.NewBoundedExecutor(2)
	defer stopExecutor(exec)
	e := engine.NewSimulationEngine(u, exec, alwaysFailPutNext)
	defer e.Close()

	o := objectid.New()

	// Every advance attempt aborts and retries, so the future must hang
	// until its context is cancelled rather than ever resolving.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.ComputeObjectState(o, 30).Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stats := e.Stats()
	assert.Greater(t, stats.TransactionsAborted, uint64(0))
}

// dependentPutNext makes idB's single write read idA at a fixed future
// instant — a past-the-end read for as long as idA hasn't reached it yet, so
// idB cannot commit until idA's own progress either escalates it or aborts
// it into a fresh read. Either way the engine's registerDependency wiring is
// what wakes idA's driver and eventually lets idB's driver make progress,
// rather than idB ever seeing an error to retry on. Reading at a fixed
// instant (rather than one that grows with idB's own progress) keeps idA's
// driver from being woken past the instant this test actually waits for.
func dependentPutNext(idA, idB objectid.ObjectId, readAt instant.Instant) engine.PutNextStateTransition {
	return func(tx *universe.Transaction, o objectid.ObjectId, whenPrev instant.Instant) error {
		switch o {
		case idA:
			return counterPutNext(tx, o, whenPrev)
		case idB:
			aState, err := tx.GetObjectState(idA, readAt)
			if err != nil {
				return err
			}

			// The write must land strictly after every read.
			next := readAt + 10
			if whenPrev >= next {
				next = whenPrev + 10
			}
			if err := tx.BeginWrite(next); err != nil {
				return err
			}
			return tx.Put(o, fmt.Sprintf("a=%v", aState))
		default:
			return nil
		}
	}
}

func TestEngineDependencyWiring(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	idA := objectid.New()
	idB := objectid.New()

	exec := engine.NewBoundedExecutor(4)
	defer stopExecutor(exec)
	e := engine.NewSimulationEngine(u, exec, dependentPutNext(idA, idB, 50))
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.AdvanceHistoryObject(idA, 50)
	e.AdvanceHistoryObject(idB, 50)
	require.NoError(t, e.AdvanceAndWait(ctx, 50))

	stateA, err := e.ComputeObjectState(idA, 50).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stateA)

	stateB, err := e.ComputeObjectState(idB, 60).Wait(ctx)
	require.NoError(t, err)
	assert.NotNil(t, stateB)

	dependent := e.DependencyGraph()
	assert.Greater(t, dependent.VertexCount(), 0)
}

func TestEngineDependencyGraphRecordsCommits(t *testing.T) {
	t.Parallel()

	u := universe.NewUniverse()
	defer u.Close()

	exec := engine.NewBoundedExecutor(4)
	defer stopExecutor(exec)
	e := engine.NewSimulationEngine(u, exec, counterPutNext)
	defer e.Close()

	o := objectid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.AdvanceHistoryObject(o, 50)
	require.NoError(t, e.AdvanceAndWait(ctx, 50))

	graph := e.DependencyGraph()
	assert.GreaterOrEqual(t, graph.VertexCount(), 5)

	path, hops := graph.LongestPath()
	assert.NotEmpty(t, path)
	assert.GreaterOrEqual(t, hops, 0)
}
