// Package podserver implements the room registry, room coordinator, and
// client session handling that form the heart of a single pod process:
// presence diffs and CRDT storage updates flow through a room's
// coordinator goroutine into a durable op store and back out to every
// attached session.
package podserver

import "github.com/collabpod/pod/internal/wire"

// Kind distinguishes the two classes of update the room coordinator
// processes: presence diffs and storage (CRDT) updates.
type Kind uint8

const (
	KindPresence Kind = iota + 1
	KindStorage
)

// Envelope is one unit of work entering a room's coordinator inbox, whether
// from a local session or from the peer stream bridge.
type Envelope struct {
	Kind Kind

	// UserID is always present; SessionID is empty for peer-originated
	// envelopes (there is no local session to exclude from the echo).
	UserID    string
	SessionID string

	// Payload is the decoded frame payload: a wire.PresenceDiffPayload for
	// KindPresence, opaque CRDT bytes for KindStorage.
	PresencePayload wire.PresenceDiffPayload
	StorageBytes    []byte

	// SourceTimestamp is set only for peer-originated presence envelopes,
	// used for the dedup rule: reject sourceTimestamp older than the
	// table's stored lastActive for that user.
	SourceTimestamp int64

	// FromPeer is true when this envelope arrived via the stream bridge
	// rather than from a locally attached session.
	FromPeer bool
}
