// Package rga implements the pod's CRDT kernel: a replicated growable array
// of tombstoned elements ordered by a fractional position, addressed by a
// (logical clock, site id) identity. It is deterministic, commutative, and
// idempotent under duplicate delivery; the pod itself never interprets
// these bytes, treating merges as an identity-based, order-preserving
// operation over opaque element values.
package rga

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ElementID globally identifies one inserted element.
type ElementID struct {
	Clock int64  `cbor:"clock"`
	Site  string `cbor:"site"`
}

// Less orders ids deterministically: higher clock wins, site id breaks ties.
// Used both for insertion ordering and as the canonical identity ordering
// that makes concurrent inserts converge to the same sequence everywhere.
func (a ElementID) Less(b ElementID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

func (a ElementID) Equal(b ElementID) bool {
	return a.Clock == b.Clock && a.Site == b.Site
}

// element is one node of the sequence, tombstoned rather than removed so
// concurrent deletes and inserts referencing it still converge.
type element struct {
	ID       ElementID `cbor:"id"`
	Value    []byte    `cbor:"value"`
	Position []int64   `cbor:"position"`
	Deleted  bool      `cbor:"deleted"`
}

// OpKind distinguishes an insert from a delete in an Op.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is one CRDT operation as carried inside a StorageUpdate frame payload.
type Op struct {
	Kind     OpKind    `cbor:"kind"`
	ID       ElementID `cbor:"id"`
	Value    []byte    `cbor:"value,omitempty"`
	Position []int64   `cbor:"position,omitempty"`
}

// Doc is the kernel's in-memory representation of one room's document.
// Doc is not safe for concurrent use; callers serialize access to it
// through the room coordinator.
type Doc struct {
	elements map[ElementID]*element
	order    []ElementID // maintained sorted by Position, then ID

	pendingDeletes map[ElementID]bool // deletes seen before their insert
}

// New returns an empty document.
func New() *Doc {
	return &Doc{
		elements:       make(map[ElementID]*element),
		pendingDeletes: make(map[ElementID]bool),
	}
}

// Apply merges a single wire-encoded update (one or more Ops) into the
// document. Applying the same update twice is a no-op the second time
// (idempotent); applying two updates in either order produces the same
// resulting sequence (commutative), because insert placement depends only
// on Position/ID, never on arrival order.
func (d *Doc) Apply(update []byte) error {
	var ops []Op
	if err := cbor.Unmarshal(update, &ops); err != nil {
		return err
	}

	for _, op := range ops {
		d.applyOp(op)
	}
	return nil
}

func (d *Doc) applyOp(op Op) {
	switch op.Kind {
	case OpInsert:
		if _, exists := d.elements[op.ID]; exists {
			return // duplicate delivery, idempotent no-op
		}
		el := &element{ID: op.ID, Value: op.Value, Position: op.Position}
		if d.pendingDeletes[op.ID] {
			el.Deleted = true
			delete(d.pendingDeletes, op.ID)
		}
		d.elements[op.ID] = el
		d.insertSorted(op.ID)
	case OpDelete:
		if el, exists := d.elements[op.ID]; exists {
			el.Deleted = true
			return
		}
		// Insert for this id hasn't arrived yet: remember the tombstone
		// so the insert branch above applies it as already-deleted
		// instead of briefly (and, under reordering, permanently)
		// resurrecting the element.
		d.pendingDeletes[op.ID] = true
	}
}

func (d *Doc) insertSorted(id ElementID) {
	el := d.elements[id]
	idx := sort.Search(len(d.order), func(i int) bool {
		other := d.elements[d.order[i]]
		return !positionLess(other.Position, el.Position, other.ID, el.ID)
	})
	d.order = append(d.order, ElementID{})
	copy(d.order[idx+1:], d.order[idx:])
	d.order[idx] = id
}

func positionLess(a, b []int64, aID, bID ElementID) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return aID.Less(bID)
}

// Snapshot produces a self-contained update representing the full document
// state: applying it to an empty Doc reproduces the same live elements.
func (d *Doc) Snapshot() ([]byte, error) {
	ops := make([]Op, 0, len(d.order))
	for _, id := range d.order {
		el := d.elements[id]
		ops = append(ops, Op{Kind: OpInsert, ID: el.ID, Value: el.Value, Position: el.Position})
		if el.Deleted {
			ops = append(ops, Op{Kind: OpDelete, ID: el.ID})
		}
	}
	return cbor.Marshal(ops)
}

// SizeHint reports the number of live (non-tombstoned) elements.
func (d *Doc) SizeHint() int {
	n := 0
	for _, id := range d.order {
		if !d.elements[id].Deleted {
			n++
		}
	}
	return n
}

// Text renders the live elements as a byte sequence in document order.
// This is a convenience for tests and does not appear on the wire; the pod
// itself never interprets these bytes.
func (d *Doc) Text() []byte {
	out := make([]byte, 0, len(d.order))
	for _, id := range d.order {
		el := d.elements[id]
		if !el.Deleted {
			out = append(out, el.Value...)
		}
	}
	return out
}

// EncodeOps is a helper for producers building a StorageUpdate payload.
func EncodeOps(ops []Op) ([]byte, error) {
	return cbor.Marshal(ops)
}
