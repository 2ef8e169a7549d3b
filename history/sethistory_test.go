package history_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/0xPolygon/pdes/history"
	"github.com/0xPolygon/pdes/instant"
)

func TestSetHistoryStartsEmpty(t *testing.T) {
	t.Parallel()

	s := history.NewSetHistory[string]()
	assert.True(t, s.IsEmptyAt(instant.StartOfTime))
	assert.Equal(t, 0, s.Get(0).Cardinality())
}

func TestAddFrom(t *testing.T) {
	t.Parallel()

	s := history.NewSetHistory[string]()
	s.AddFrom(10, "a")

	assert.False(t, s.Contains("a").Get(9))
	assert.True(t, s.Contains("a").Get(10))
	assert.True(t, s.Get(100).Contains("a"))
	assert.False(t, s.Get(9).Contains("a"))
}

func TestAddUntilIncludesBoundary(t *testing.T) {
	t.Parallel()

	s := history.NewSetHistory[string]()
	s.AddUntil(10, "a")

	assert.True(t, s.Contains("a").Get(10))
	assert.True(t, s.Contains("a").Get(0))
	assert.False(t, s.Contains("a").Get(11))
}

func TestAddUntilRepeatedExtendsBoundary(t *testing.T) {
	t.Parallel()

	s := history.NewSetHistory[string]()
	s.AddUntil(5, "a")
	s.AddUntil(10, "a")

	assert.True(t, s.Contains("a").Get(10))
	assert.False(t, s.Contains("a").Get(11))
}

func TestRemoveIsFalseEverywhere(t *testing.T) {
	t.Parallel()

	s := history.NewSetHistory[string]()
	s.AddFrom(10, "a")
	s.Remove("a")

	assert.False(t, s.Contains("a").Get(100))
	assert.False(t, s.Contains("a").Get(instant.StartOfTime))
}

func TestGetReflectsMultipleElements(t *testing.T) {
	t.Parallel()

	s := history.NewSetHistory[string]()
	s.AddFrom(0, "a")
	s.AddFrom(10, "b")
	s.AddUntil(5, "c")

	at5 := s.Get(5)
	assert.True(t, at5.Contains("a"))
	assert.False(t, at5.Contains("b"))
	assert.True(t, at5.Contains("c"))

	at10 := s.Get(10)
	assert.True(t, at10.Contains("a"))
	assert.True(t, at10.Contains("b"))
	assert.False(t, at10.Contains("c"))
}
