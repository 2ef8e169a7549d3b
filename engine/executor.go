package engine

import (
	"context"

	workerpool "github.com/JekaMas/workerpool"
)

// Executor is the caller-supplied unit-of-work dispatcher the engine
// assumes: the core never creates threads itself, and every
// background step a SimulationEngine takes runs through Execute. A rejected
// submission is expected to drop the task silently — the next external wake
// (AdvanceHistory, ComputeObjectState, or a sibling driver's commit/abort)
// will retry.
type Executor interface {
	Execute(task func())
}

// boundedExecutor is the default Executor this repo ships: a fixed-size
// worker pool. The engine never does its own work-stealing or scheduling;
// everything goes through whatever Executor the caller hands it, and this is
// merely the one most callers want.
type boundedExecutor struct {
	wp *workerpool.WorkerPool
}

// NewBoundedExecutor returns an Executor backed by a fixed-size pool of
// workers.
func NewBoundedExecutor(workers int) Executor {
	if workers < 1 {
		workers = 1
	}
	return &boundedExecutor{wp: workerpool.New(workers)}
}

func (b *boundedExecutor) Execute(task func()) {
	b.wp.Submit(context.Background(), func() error {
		task()
		return nil
	}, 0)
}

// StopWait drains and stops the pool, waiting for in-flight tasks to finish.
// Intended for orderly shutdown in tests and short-lived callers; a
// long-lived embedding application typically never calls it.
func (b *boundedExecutor) StopWait() {
	b.wp.StopWait()
}
