package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxPresenceMetadataBytes bounds the encoded size of a presence entry's
// free-form metadata bag.
const MaxPresenceMetadataBytes = 2048

var (
	presenceEncMode cbor.EncMode
	presenceDecMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	mode, err := encOpts.EncMode()
	if err != nil {
		panic("wire: cbor encoder initialization failed: " + err.Error())
	}
	presenceEncMode = mode

	decOpts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	dmode, err := decOpts.DecMode()
	if err != nil {
		panic("wire: cbor decoder initialization failed: " + err.Error())
	}
	presenceDecMode = dmode
}

// PresenceDiffPayload is the self-describing compact binary map carried by
// a PresenceDiff frame: fields named replace, fields absent are left
// alone, and a nil map value for a field means that field was explicitly
// cleared.
type PresenceDiffPayload struct {
	Fields   map[string]any `cbor:"fields"`
	Metadata []byte         `cbor:"metadata,omitempty"`
}

// EncodePresenceDiff serializes a presence diff to CBOR.
func EncodePresenceDiff(p PresenceDiffPayload) ([]byte, error) {
	if len(p.Metadata) > MaxPresenceMetadataBytes {
		return nil, fmt.Errorf("wire: presence metadata exceeds %d bytes", MaxPresenceMetadataBytes)
	}
	return presenceEncMode.Marshal(p)
}

// DecodePresenceDiff parses a PresenceDiff frame's payload.
func DecodePresenceDiff(payload []byte) (PresenceDiffPayload, error) {
	var p PresenceDiffPayload
	if err := presenceDecMode.Unmarshal(payload, &p); err != nil {
		return PresenceDiffPayload{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(p.Metadata) > MaxPresenceMetadataBytes {
		return PresenceDiffPayload{}, fmt.Errorf("%w: presence metadata exceeds %d bytes", ErrMalformedFrame, MaxPresenceMetadataBytes)
	}
	return p, nil
}

// PresenceSnapshotPayload is the full presence table sent at session start
// and on a client Resync request (0x20 PresenceSync).
type PresenceSnapshotPayload struct {
	Entries []PresenceEntryWire `cbor:"entries"`
}

// PresenceEntryWire is one row of a presence snapshot.
type PresenceEntryWire struct {
	UserID     string         `cbor:"user_id"`
	Fields     map[string]any `cbor:"fields"`
	Metadata   []byte         `cbor:"metadata,omitempty"`
	LastActive int64          `cbor:"last_active"`
}

// EncodePresenceSnapshot serializes a full presence snapshot to CBOR.
func EncodePresenceSnapshot(p PresenceSnapshotPayload) ([]byte, error) {
	return presenceEncMode.Marshal(p)
}

// DecodePresenceSnapshot parses a PresenceSync frame's payload.
func DecodePresenceSnapshot(payload []byte) (PresenceSnapshotPayload, error) {
	var p PresenceSnapshotPayload
	if err := presenceDecMode.Unmarshal(payload, &p); err != nil {
		return PresenceSnapshotPayload{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return p, nil
}
