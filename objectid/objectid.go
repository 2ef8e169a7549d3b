// Package objectid defines the identity types of the simulation kernel: a
// 128-bit globally unique ObjectId and the (ObjectId, Instant) pair that
// names one version of one object.
package objectid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/0xPolygon/pdes/instant"
)

// ObjectId is a 128-bit globally-unique identifier, comparable by value.
type ObjectId struct {
	id uuid.UUID
}

// New allocates a fresh, random ObjectId.
func New() ObjectId {
	return ObjectId{id: uuid.New()}
}

// Zero is the nil ObjectId; never returned by New.
var Zero = ObjectId{}

func (o ObjectId) String() string { return o.id.String() }

// Compare gives a total, lexicographic-by-bytes order over ObjectId, used to
// break ties in ObjectStateId ordering.
func (o ObjectId) Compare(other ObjectId) int {
	for i := range o.id {
		if o.id[i] != other.id[i] {
			if o.id[i] < other.id[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ObjectStateId names one version of one object: (ObjectId, Instant), ordered
// lexicographically by instant then by id.
type ObjectStateId struct {
	Object ObjectId
	When   instant.Instant
}

func (id ObjectStateId) String() string {
	return fmt.Sprintf("%s@%d", id.Object, id.When)
}

// Less orders ObjectStateId by (When, Object).
func (id ObjectStateId) Less(other ObjectStateId) bool {
	if id.When != other.When {
		return id.When < other.When
	}
	return id.Object.Compare(other.Object) < 0
}

// Min returns whichever of a, b sorts first under Less; used to track the
// earliest read-dependency per object.
func Min(a, b ObjectStateId) ObjectStateId {
	if b.Less(a) {
		return b
	}
	return a
}
