package objectid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/0xPolygon/pdes/instant"
	"github.com/0xPolygon/pdes/objectid"
)

func TestNewIsUnique(t *testing.T) {
	t.Parallel()

	a := objectid.New()
	b := objectid.New()
	assert.NotEqual(t, a, b)
	assert.Equal(t, 0, a.Compare(a))
}

func TestObjectStateIdOrdering(t *testing.T) {
	t.Parallel()

	o := objectid.New()
	a := objectid.ObjectStateId{Object: o, When: 5}
	b := objectid.ObjectStateId{Object: o, When: 10}

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, a, objectid.Min(a, b))
}

func TestObjectStateIdOrderingTieBreaksOnObject(t *testing.T) {
	t.Parallel()

	o1 := objectid.New()
	o2 := objectid.New()

	a := objectid.ObjectStateId{Object: o1, When: instant.Instant(0)}
	b := objectid.ObjectStateId{Object: o2, When: instant.Instant(0)}

	if o1.Compare(o2) < 0 {
		assert.True(t, a.Less(b))
	} else {
		assert.True(t, b.Less(a))
	}
}
