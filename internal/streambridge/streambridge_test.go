package streambridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/collabpod/pod/internal/podserver"
	"github.com/collabpod/pod/internal/testutil"
	"github.com/collabpod/pod/internal/wire"
)

func newTestRoom(t *testing.T) *podserver.Room {
	t.Helper()
	room := podserver.NewRoom("room-1", podserver.RoomConfig{PresenceTTL: time.Minute}, nil, testutil.TestLogger(t), nil, nil, nil, nil)
	go room.Run()
	t.Cleanup(room.Exit)
	return room
}

func newTestSession(t *testing.T, userID string, room *podserver.Room) *podserver.Session {
	t.Helper()
	transport := &fakeTransport{writes: make(chan []byte, 16)}
	session := podserver.NewSession(userID, room.ID, transport, room, testutil.TestLogger(t), podserver.SessionConfig{
		EgressBytes:       64 * 1024,
		EgressFrames:      256,
		SlowClientTimeout: time.Second,
		DrainTimeout:      time.Second,
	})
	if err := room.Join(session); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	<-transport.writes
	<-transport.writes
	return session
}

type fakeTransport struct {
	writes chan []byte
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) WriteFrame(ctx context.Context, raw []byte) error {
	select {
	case f.writes <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close() error { return nil }

func mustEntry(t *testing.T, f entryFields) []byte {
	t.Helper()
	b, err := json.Marshal(f)
	assert.NoError(t, err)
	return b
}

func TestDeliverSkipsOwnPodEcho(t *testing.T) {
	bridge := &Bridge{cfg: Config{PodID: "pod-a"}}
	room := newTestRoom(t)
	session := newTestSession(t, "u1", room)
	consumer := NewConsumer(bridge, room, "room-1")

	payload, err := wire.EncodePresenceDiff(wire.PresenceDiffPayload{Fields: map[string]any{"status": "active"}})
	assert.NoError(t, err)

	raw := mustEntry(t, entryFields{Kind: "presence", UserID: "u2", PodID: "pod-a", Payload: payload})
	consumer.deliver(redis.XMessage{Values: map[string]interface{}{"fields": string(raw)}})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, session.QueuedFrames())
}

func TestDeliverAppliesCrossPodPresence(t *testing.T) {
	bridge := &Bridge{cfg: Config{PodID: "pod-a"}}
	room := newTestRoom(t)
	session := newTestSession(t, "u1", room)
	consumer := NewConsumer(bridge, room, "room-1")

	payload, err := wire.EncodePresenceDiff(wire.PresenceDiffPayload{Fields: map[string]any{"status": "active"}})
	assert.NoError(t, err)

	raw := mustEntry(t, entryFields{Kind: "presence", UserID: "u2", PodID: "pod-b", SourceTS: time.Now().UnixMilli(), Payload: payload})
	consumer.deliver(redis.XMessage{Values: map[string]interface{}{"fields": string(raw)}})

	deadline := time.Now().Add(time.Second)
	for session.QueuedFrames() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, session.QueuedFrames())
}

func TestDeliverIgnoresMalformedEntry(t *testing.T) {
	bridge := &Bridge{cfg: Config{PodID: "pod-a"}}
	room := newTestRoom(t)
	consumer := NewConsumer(bridge, room, "room-1")

	consumer.deliver(redis.XMessage{Values: map[string]interface{}{"fields": "not-json"}})
	// must not panic
}

func TestStreamNameIsNamespaced(t *testing.T) {
	assert.Equal(t, "pod:room:abc", streamName("abc"))
}
