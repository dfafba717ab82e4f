// Package crdt wraps the RGA kernel behind the opaque interface the room
// coordinator actually uses: the pod applies byte updates, produces byte
// snapshots, and reports a size hint, without ever interpreting the
// payload itself.
package crdt

import "github.com/collabpod/pod/internal/crdt/rga"

// Document is one room's CRDT state.
type Document struct {
	doc *rga.Doc
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: rga.New()}
}

// Apply merges a wire-encoded update produced by EncodeOps/Snapshot.
func (d *Document) Apply(update []byte) error {
	return d.doc.Apply(update)
}

// Snapshot returns a self-contained update reproducing the current state.
func (d *Document) Snapshot() ([]byte, error) {
	return d.doc.Snapshot()
}

// SizeHint reports the number of live elements.
func (d *Document) SizeHint() int {
	return d.doc.SizeHint()
}

// Text exposes the live document content for diagnostics and tests. The
// pod's transport and storage layers never call this: content is opaque
// bytes as far as they are concerned.
func (d *Document) Text() []byte {
	return d.doc.Text()
}
