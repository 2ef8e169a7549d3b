// Package history implements the time-indexed change logs the simulation
// kernel stores per object: ValueHistory, a mapping from Instant to an
// arbitrary comparable value with no two consecutive equal values, and
// SetHistory, a time-indexed set built from per-element ValueHistory[bool].
//
// A read returns the latest entry at-or-before the query instant; writes are
// append/remove/replace-suffix operations on the time-ordered transition
// slice.
package history

import (
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/0xPolygon/pdes/instant"
)

// ErrNotAfterLast is returned by AppendTransition when t does not strictly
// follow the last recorded transition.
var ErrNotAfterLast = errors.New("history: transition instant must be strictly after the last one")

// ErrEqualsLast is returned by AppendTransition when v equals the value it
// would immediately follow, breaking the "no equal consecutive transitions"
// invariant.
var ErrEqualsLast = errors.New("history: value equals the preceding value")

type transition[V comparable] struct {
	at    instant.Instant
	value V
}

// ValueHistory is a mapping from Instant to V: a distinguished first value
// (the value at instant.StartOfTime) plus a finite, strictly time-ordered
// sequence of transitions whose values never repeat consecutively.
type ValueHistory[V comparable] struct {
	mu          sync.RWMutex
	first       V
	transitions []transition[V]
}

// New creates a ValueHistory whose value is first at every instant, with no
// transitions yet recorded.
func New[V comparable](first V) *ValueHistory[V] {
	return &ValueHistory[V]{first: first}
}

// indexAfterLocked returns the index of the first transition with at > t, a
// binary search over the time-ordered transition slice.
func (h *ValueHistory[V]) indexAfterLocked(t instant.Instant) int {
	return sort.Search(len(h.transitions), func(i int) bool {
		return h.transitions[i].at > t
	})
}

// indexAtOrAfterLocked returns the index of the first transition with at >= t.
func (h *ValueHistory[V]) indexAtOrAfterLocked(t instant.Instant) int {
	return sort.Search(len(h.transitions), func(i int) bool {
		return h.transitions[i].at >= t
	})
}

// Get returns the value at t: the value of the greatest transition at or
// before t, or the first value if none. Total on all instants.
func (h *ValueHistory[V]) Get(t instant.Instant) V {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i := h.indexAfterLocked(t)
	if i == 0 {
		return h.first
	}
	return h.transitions[i-1].value
}

// FirstValue returns the value at instant.StartOfTime.
func (h *ValueHistory[V]) FirstValue() V {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.first
}

// LastValue returns the value at instant.EndOfTime.
func (h *ValueHistory[V]) LastValue() V {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.transitions) == 0 {
		return h.first
	}
	return h.transitions[len(h.transitions)-1].value
}

// FirstTransitionTime returns the instant of the earliest transition, if any.
func (h *ValueHistory[V]) FirstTransitionTime() (instant.Instant, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.transitions) == 0 {
		return 0, false
	}
	return h.transitions[0].at, true
}

// LastTransitionTime returns the instant of the latest transition, if any.
func (h *ValueHistory[V]) LastTransitionTime() (instant.Instant, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.transitions) == 0 {
		return 0, false
	}
	return h.transitions[len(h.transitions)-1].at, true
}

// AppendTransition requires t strictly greater than the last transition time
// (any t is accepted when there is none) and v different from the value it
// would follow; otherwise it fails without mutating the history.
func (h *ValueHistory[V]) AppendTransition(t instant.Instant, v V) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appendLocked(t, v)
}

func (h *ValueHistory[V]) appendLocked(t instant.Instant, v V) error {
	last := h.first
	if n := len(h.transitions); n > 0 {
		if t <= h.transitions[n-1].at {
			return ErrNotAfterLast
		}
		last = h.transitions[n-1].value
	}
	if v == last {
		return ErrEqualsLast
	}
	h.transitions = append(h.transitions, transition[V]{at: t, value: v})
	return nil
}

// RemoveTransitionsFrom erases all transitions with time >= t.
func (h *ValueHistory[V]) RemoveTransitionsFrom(t instant.Instant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.indexAtOrAfterLocked(t)
	h.transitions = h.transitions[:i]
}

// SetValueFrom replaces the suffix from t onward with v, merging the
// boundary transition so the "no equal consecutive values" invariant holds.
func (h *ValueHistory[V]) SetValueFrom(t instant.Instant, v V) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := h.indexAtOrAfterLocked(t)
	h.transitions = h.transitions[:i]

	valueBefore := h.first
	if i > 0 {
		valueBefore = h.transitions[i-1].value
	}
	if valueBefore != v {
		h.transitions = append(h.transitions, transition[V]{at: t, value: v})
	}
}

// SetValueUntil replaces the prefix strictly before t with v: v becomes the
// first value, values at and after t are unchanged. A boundary transition at
// t is inserted, kept, or merged away as the "no equal consecutive values"
// invariant demands.
func (h *ValueHistory[V]) SetValueUntil(t instant.Instant, v V) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := h.indexAtOrAfterLocked(t)

	valueAtT := h.first
	if i > 0 {
		valueAtT = h.transitions[i-1].value
	}
	if i < len(h.transitions) && h.transitions[i].at == t {
		valueAtT = h.transitions[i].value
		i++
	}

	rest := h.transitions[i:]
	h.first = v
	if valueAtT != v {
		h.transitions = append([]transition[V]{{at: t, value: valueAtT}}, rest...)
	} else {
		h.transitions = append([]transition[V](nil), rest...)
	}
}

// TransitionAtOrAfter returns the least transition time >= t, if any.
func (h *ValueHistory[V]) TransitionAtOrAfter(t instant.Instant) (instant.Instant, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := h.indexAtOrAfterLocked(t)
	if i == len(h.transitions) {
		return 0, false
	}
	return h.transitions[i].at, true
}

// Equal reports whether h and o have the same first value and the same
// transition sequence.
func (h *ValueHistory[V]) Equal(o *ValueHistory[V]) bool {
	if h == o {
		return true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	if h.first != o.first || len(h.transitions) != len(o.transitions) {
		return false
	}
	for i := range h.transitions {
		if h.transitions[i] != o.transitions[i] {
			return false
		}
	}
	return true
}

// Transitions returns a lazy, restartable sequence of (instant, value) pairs
// in time order, snapshotting the transition slice at iteration start so a
// concurrent mutation never corrupts an in-flight range.
func (h *ValueHistory[V]) Transitions() iter.Seq2[instant.Instant, V] {
	return func(yield func(instant.Instant, V) bool) {
		h.mu.RLock()
		snapshot := append([]transition[V](nil), h.transitions...)
		h.mu.RUnlock()

		for _, tr := range snapshot {
			if !yield(tr.at, tr.value) {
				return
			}
		}
	}
}
