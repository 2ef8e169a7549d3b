package universe

// TransactionCoordinator groups one or more mutually-dependent transactions:
// a read-after-write cycle across transactions forces them into the same
// coordinator since none of them can commit before the others. All structural
// mutation of the coordinator graph (predecessor/successor edges, merges)
// happens under the owning Universe's graphMu. The graph is small,
// bookkeeping-only metadata, never the per-object hot path, so a single mutex
// serializing its edits is simpler than chasing a locked chain through a
// graph that can grow while waited on; the per-object data plane stays on
// per-lockable locks.
type TransactionCoordinator struct {
	id CoordID

	predecessors map[CoordID]struct{}
	successors   map[CoordID]struct{}

	mutualTransactions map[TxnID]struct{}
}

func newCoordinator(id CoordID, founder TxnID) *TransactionCoordinator {
	return &TransactionCoordinator{
		id:                 id,
		predecessors:       make(map[CoordID]struct{}),
		successors:         make(map[CoordID]struct{}),
		mutualTransactions: map[TxnID]struct{}{founder: {}},
	}
}

// addPredecessorEdgeLocked records "p must commit before s", keeping both
// reachability sets transitively closed, and merging the two coordinators
// when the new edge would close a cycle.
// Callers must hold u.graphMu. Returns the id of the surviving coordinator,
// which may differ from s if p and s were merged.
func (u *Universe) addPredecessorEdgeLocked(p, s CoordID) CoordID {
	if p == s {
		return s
	}

	pc := u.coordinators[p]
	sc := u.coordinators[s]
	if pc == nil || sc == nil {
		return s
	}

	if _, ok := sc.predecessors[p]; ok {
		return s
	}

	_, pIsSuccessorOfS := sc.successors[p]
	_, sIsPredecessorOfP := pc.predecessors[s]
	if pIsSuccessorOfS || sIsPredecessorOfP {
		return u.mergeCoordinatorsLocked(s, []CoordID{p})
	}

	sc.predecessors[p] = struct{}{}

	closure := map[CoordID]struct{}{p: {}}
	for id := range pc.predecessors {
		closure[id] = struct{}{}
	}

	for id := range closure {
		sc.predecessors[id] = struct{}{}
	}
	for succ := range sc.successors {
		if succC := u.coordinators[succ]; succC != nil {
			for id := range closure {
				succC.predecessors[id] = struct{}{}
			}
		}
	}

	backClosure := map[CoordID]struct{}{s: {}}
	for id := range sc.successors {
		backClosure[id] = struct{}{}
	}
	pc.successors[s] = struct{}{}
	for id := range backClosure {
		pc.successors[id] = struct{}{}
	}
	for pred := range pc.predecessors {
		if predC := u.coordinators[pred]; predC != nil {
			for id := range backClosure {
				predC.successors[id] = struct{}{}
			}
		}
	}

	return s
}

// mergeCoordinatorsLocked folds every coordinator in sources into d, detects
// cycles the merge creates, and iterates to a fixed point.
// Callers must hold u.graphMu. Returns d's final id (d never itself changes
// id, but is returned for symmetry with addPredecessorEdgeLocked).
func (u *Universe) mergeCoordinatorsLocked(d CoordID, sources []CoordID) CoordID {
	dc := u.coordinators[d]
	if dc == nil {
		return d
	}

	pending := append([]CoordID(nil), sources...)

	for len(pending) > 0 {
		src := pending[0]
		pending = pending[1:]

		if src == d {
			continue
		}
		sc := u.coordinators[src]
		if sc == nil {
			continue
		}

		for id := range sc.predecessors {
			dc.predecessors[id] = struct{}{}
		}
		for id := range sc.successors {
			dc.successors[id] = struct{}{}
		}
		for txn := range sc.mutualTransactions {
			dc.mutualTransactions[txn] = struct{}{}
			u.setTxnCoordinator(txn, d)
		}

		for _, other := range u.coordinators {
			if other.id == d || other.id == src {
				continue
			}
			if _, ok := other.predecessors[src]; ok {
				delete(other.predecessors, src)
				other.predecessors[d] = struct{}{}
			}
			if _, ok := other.successors[src]; ok {
				delete(other.successors, src)
				other.successors[d] = struct{}{}
			}
		}

		delete(u.coordinators, src)
	}

	delete(dc.predecessors, d)
	delete(dc.successors, d)

	for _, src := range sources {
		delete(dc.predecessors, src)
		delete(dc.successors, src)
	}

	var newCycles []CoordID
	for id := range dc.predecessors {
		if _, ok := dc.successors[id]; ok {
			newCycles = append(newCycles, id)
		}
	}

	if len(newCycles) > 0 {
		for _, id := range newCycles {
			delete(dc.predecessors, id)
			delete(dc.successors, id)
		}
		return u.mergeCoordinatorsLocked(d, newCycles)
	}

	return d
}

// beginAbortCoordinator aborts the whole coordinator: propagate to every
// mutual transaction, every predecessor (which loses the successor edge to
// this coordinator), and every successor (which must itself now abort).
// Returns false when id no longer names a live coordinator — either because
// it was already aborted/committed, or because a concurrent merge folded it
// into another one, in which case the caller (abortTransaction) must
// re-resolve the transaction's current coordinator and retry.
func (u *Universe) beginAbortCoordinator(id CoordID) bool {
	u.graphMu.Lock()
	c := u.coordinators[id]
	if c == nil {
		u.graphMu.Unlock()
		return false
	}

	mutuals := make([]TxnID, 0, len(c.mutualTransactions))
	for txn := range c.mutualTransactions {
		mutuals = append(mutuals, txn)
	}

	successors := make([]CoordID, 0, len(c.successors))
	for s := range c.successors {
		successors = append(successors, s)
	}

	for pred := range c.predecessors {
		if predC := u.coordinators[pred]; predC != nil {
			delete(predC.successors, id)
		}
	}

	delete(u.coordinators, id)
	u.graphMu.Unlock()

	for _, txn := range mutuals {
		u.finishAbortOne(txn)
	}
	for _, s := range successors {
		u.beginAbortCoordinator(s)
	}
	return true
}

// tryCommitCoordinator commits the coordinator if permitted: predecessors is
// empty and every mutual transaction is Committing with no outstanding
// past-the-end reads. On commit, commits every mutual transaction, then
// recursively offers every former successor the same test. Optimistic: if
// the test fails, it simply returns; some later commit or abort re-runs it.
func (u *Universe) tryCommitCoordinator(id CoordID) {
	for {
		u.graphMu.Lock()
		c := u.coordinators[id]
		if c == nil || len(c.predecessors) > 0 {
			u.graphMu.Unlock()
			return
		}

		mutuals := make([]TxnID, 0, len(c.mutualTransactions))
		for txn := range c.mutualTransactions {
			mutuals = append(mutuals, txn)
		}
		u.graphMu.Unlock()

		for _, txn := range mutuals {
			tx := u.lookupTransaction(txn)
			if tx == nil || !tx.readyToCommit() {
				return
			}
		}

		u.graphMu.Lock()
		c = u.coordinators[id]
		if c == nil || len(c.predecessors) > 0 {
			u.graphMu.Unlock()
			return
		}
		if len(c.mutualTransactions) != len(mutuals) {
			// A merge grew the coordinator while readiness was being
			// checked outside the lock; re-test the full membership.
			u.graphMu.Unlock()
			continue
		}
		successors := make([]CoordID, 0, len(c.successors))
		for s := range c.successors {
			successors = append(successors, s)
		}
		delete(u.coordinators, id)
		for s := range c.successors {
			if sc := u.coordinators[s]; sc != nil {
				delete(sc.predecessors, id)
			}
		}
		u.graphMu.Unlock()

		for _, txn := range mutuals {
			u.commitTransaction(txn)
		}
		for _, s := range successors {
			u.tryCommitCoordinator(s)
		}
		return
	}
}
