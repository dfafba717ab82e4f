package rga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyInsertOrdersByPosition(t *testing.T) {
	d := New()
	update, err := EncodeOps([]Op{
		{Kind: OpInsert, ID: ElementID{Clock: 2, Site: "a"}, Value: []byte("b"), Position: []int64{2}},
		{Kind: OpInsert, ID: ElementID{Clock: 1, Site: "a"}, Value: []byte("a"), Position: []int64{1}},
	})
	assert.NoError(t, err)
	assert.NoError(t, d.Apply(update))
	assert.Equal(t, "ab", string(d.Text()))
}

func TestApplyDuplicateInsertIsNoOp(t *testing.T) {
	d := New()
	update, err := EncodeOps([]Op{
		{Kind: OpInsert, ID: ElementID{Clock: 1, Site: "a"}, Value: []byte("a"), Position: []int64{1}},
	})
	assert.NoError(t, err)
	assert.NoError(t, d.Apply(update))
	assert.NoError(t, d.Apply(update))
	assert.Equal(t, 1, d.SizeHint())
}

func TestApplyDeleteTombstonesElement(t *testing.T) {
	d := New()
	id := ElementID{Clock: 1, Site: "a"}
	insert, _ := EncodeOps([]Op{{Kind: OpInsert, ID: id, Value: []byte("a"), Position: []int64{1}}})
	del, _ := EncodeOps([]Op{{Kind: OpDelete, ID: id}})

	assert.NoError(t, d.Apply(insert))
	assert.NoError(t, d.Apply(del))
	assert.Equal(t, 0, d.SizeHint())
	assert.Empty(t, d.Text())
}

func TestConcurrentInsertsConvergeRegardlessOfOrder(t *testing.T) {
	opA := Op{Kind: OpInsert, ID: ElementID{Clock: 5, Site: "a"}, Value: []byte("x"), Position: []int64{1, 0}}
	opB := Op{Kind: OpInsert, ID: ElementID{Clock: 5, Site: "b"}, Value: []byte("y"), Position: []int64{1, 1}}

	updateA, _ := EncodeOps([]Op{opA})
	updateB, _ := EncodeOps([]Op{opB})

	first := New()
	assert.NoError(t, first.Apply(updateA))
	assert.NoError(t, first.Apply(updateB))

	second := New()
	assert.NoError(t, second.Apply(updateB))
	assert.NoError(t, second.Apply(updateA))

	assert.Equal(t, first.Text(), second.Text())
	assert.Equal(t, "xy", string(first.Text()))
}

func TestSnapshotRoundTripPreservesTombstones(t *testing.T) {
	d := New()
	id := ElementID{Clock: 1, Site: "a"}
	insert, _ := EncodeOps([]Op{{Kind: OpInsert, ID: id, Value: []byte("a"), Position: []int64{1}}})
	del, _ := EncodeOps([]Op{{Kind: OpDelete, ID: id}})
	assert.NoError(t, d.Apply(insert))
	assert.NoError(t, d.Apply(del))

	snap, err := d.Snapshot()
	assert.NoError(t, err)

	fresh := New()
	assert.NoError(t, fresh.Apply(snap))
	assert.Equal(t, 0, fresh.SizeHint())
	assert.Empty(t, fresh.Text())
}

func TestElementIDOrdering(t *testing.T) {
	low := ElementID{Clock: 1, Site: "a"}
	high := ElementID{Clock: 2, Site: "a"}
	assert.True(t, low.Less(high))
	assert.False(t, high.Less(low))

	tieA := ElementID{Clock: 1, Site: "a"}
	tieB := ElementID{Clock: 1, Site: "b"}
	assert.True(t, tieA.Less(tieB))
	assert.True(t, tieA.Equal(ElementID{Clock: 1, Site: "a"}))
}
