package opstore

import (
	"testing"
	"time"

	"github.com/collabpod/pod/internal/crdt/rga"
)

func fixedTime() time.Time {
	return time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
}

func encodedInsertOps(t *testing.T) [][]byte {
	t.Helper()
	first, err := rga.EncodeOps([]rga.Op{{
		Kind:     rga.OpInsert,
		ID:       rga.ElementID{Clock: 1, Site: "site-a"},
		Value:    []byte("h"),
		Position: []int64{0},
	}})
	if err != nil {
		t.Fatalf("encode first op: %v", err)
	}
	second, err := rga.EncodeOps([]rga.Op{{
		Kind:     rga.OpInsert,
		ID:       rga.ElementID{Clock: 2, Site: "site-a"},
		Value:    []byte("i"),
		Position: []int64{1},
	}})
	if err != nil {
		t.Fatalf("encode second op: %v", err)
	}
	return [][]byte{first, second}
}
