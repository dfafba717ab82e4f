package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceDiffRoundTrip(t *testing.T) {
	diff := PresenceDiffPayload{
		Fields: map[string]any{
			"cursor": map[string]any{"x": 0.25, "y": 0.5},
			"status": "active",
		},
	}

	encoded, err := EncodePresenceDiff(diff)
	assert.NoError(t, err)

	decoded, err := DecodePresenceDiff(encoded)
	assert.NoError(t, err)
	assert.Equal(t, "active", decoded.Fields["status"])
}

func TestPresenceDiffMetadataTooLarge(t *testing.T) {
	diff := PresenceDiffPayload{
		Fields:   map[string]any{"status": "active"},
		Metadata: []byte(strings.Repeat("x", MaxPresenceMetadataBytes+1)),
	}

	_, err := EncodePresenceDiff(diff)
	assert.Error(t, err)
}

func TestPresenceSnapshotRoundTrip(t *testing.T) {
	snap := PresenceSnapshotPayload{
		Entries: []PresenceEntryWire{
			{UserID: "u1", Fields: map[string]any{"status": "active"}, LastActive: 1234},
		},
	}

	encoded, err := EncodePresenceSnapshot(snap)
	assert.NoError(t, err)

	decoded, err := DecodePresenceSnapshot(encoded)
	assert.NoError(t, err)
	assert.Len(t, decoded.Entries, 1)
	assert.Equal(t, "u1", decoded.Entries[0].UserID)
	assert.Equal(t, int64(1234), decoded.Entries[0].LastActive)
}
