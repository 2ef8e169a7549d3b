package universe

import "sync"

// lockBase gives ObjectData and Transaction a monotonic "lockable id" and a
// private mutex. The id does not order lock acquisition: no code path takes
// locks in ascending id order or re-checks a chain of them. Deadlock is
// instead ruled out by the fixed hierarchy documented on Universe (a
// Transaction's lock before an objectData's lock, never two locks of the
// same tier at once). The TransactionCoordinator graph is small bookkeeping
// metadata rather than the per-object data plane, so it is serialized by the
// Universe's own graphMu (see coordinator.go).
type lockBase struct {
	id uint64
	mu sync.Mutex
}

func (l *lockBase) lockID() uint64 { return l.id }
func (l *lockBase) Lock()          { l.mu.Lock() }
func (l *lockBase) Unlock()        { l.mu.Unlock() }
