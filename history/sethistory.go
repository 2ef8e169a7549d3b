package history

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/0xPolygon/pdes/instant"
)

// SetHistory is a ValueHistory of "the set of T present at this instant",
// represented as a family of independent per-element presence histories.
// The first value is the empty set except for elements added with AddUntil,
// which are present from StartOfTime.
type SetHistory[T comparable] struct {
	mu        sync.RWMutex
	histories map[T]*ValueHistory[bool]
}

func NewSetHistory[T comparable]() *SetHistory[T] {
	return &SetHistory[T]{histories: make(map[T]*ValueHistory[bool])}
}

func (s *SetHistory[T]) elementLocked(x T) *ValueHistory[bool] {
	h, ok := s.histories[x]
	if !ok {
		h = New(false)
		s.histories[x] = h
	}
	return h
}

// AddFrom sets x's presence to true from t onward.
func (s *SetHistory[T]) AddFrom(t instant.Instant, x T) {
	s.mu.Lock()
	h := s.elementLocked(x)
	s.mu.Unlock()

	h.SetValueFrom(t, true)
}

// AddUntil sets x's presence to true up to and including t.
func (s *SetHistory[T]) AddUntil(t instant.Instant, x T) {
	s.mu.Lock()
	h := s.elementLocked(x)
	s.mu.Unlock()

	next, err := t.NextTick()
	if err != nil {
		// t is already EndOfTime: true for all time.
		h.SetValueUntil(instant.EndOfTime, true)
		h.SetValueFrom(instant.EndOfTime, true)
		return
	}
	h.SetValueUntil(next, true)
}

// Remove sets x's presence to false everywhere. Implemented by
// forgetting x's history entirely, which is observationally identical since
// an element absent from the map reads as permanently false.
func (s *SetHistory[T]) Remove(x T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, x)
}

// Contains returns x's boolean presence history.
func (s *SetHistory[T]) Contains(x T) *ValueHistory[bool] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elementLocked(x)
}

// Get returns the set of x whose presence history is true at t.
func (s *SetHistory[T]) Get(t instant.Instant) mapset.Set[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := mapset.NewThreadUnsafeSet[T]()
	for x, h := range s.histories {
		if h.Get(t) {
			out.Add(x)
		}
	}
	return out
}

// IsEmptyAt reports whether the set is empty at t without allocating a Set.
func (s *SetHistory[T]) IsEmptyAt(t instant.Instant) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, h := range s.histories {
		if h.Get(t) {
			return false
		}
	}
	return true
}
