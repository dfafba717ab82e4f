// Package streambridge implements the pod's peer stream interface:
// producing and consuming a per-room replicated append-only log over
// Redis Streams (XADD/XREAD/XTRIM MAXLEN), giving totally ordered
// entries and a bounded trim horizon. No XRANGE scan is issued: a
// consumer reads only entries added after it starts.
package streambridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/collabpod/pod/internal/podserver"
	"github.com/collabpod/pod/internal/wire"
)

// ErrStreamUnavailable wraps any Redis failure, surfaced to callers as the
// StreamUnavailable error kind.
var ErrStreamUnavailable = errors.New("streambridge: stream unavailable")

// PeerSyncer requests a full resync of a room from a peer pod when this
// pod's cursor has fallen behind the stream's bounded history: rather than
// advance through a gap, the consumer must ask a peer for a fresh
// snapshot. The concrete transport for that request (e.g. an internal HTTP
// call to a peer pod) is outside this package's scope. cmd/pod constructs
// the Bridge with a nil PeerSyncer and does not call CheckGap, so no full
// sync is requested there.
type PeerSyncer interface {
	RequestFullSync(ctx context.Context, roomID string) (presenceSnapshot, storageSnapshot []byte, err error)
}

// Config carries the bounded-history knobs for the stream.
type Config struct {
	PodID      string
	MaxEntries int64
	MaxAge     time.Duration
}

// entryFields is the wire shape of one stream entry's Redis hash fields.
type entryFields struct {
	Kind     string `json:"kind"`
	UserID   string `json:"user_id,omitempty"`
	SiteID   string `json:"site_id,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	SourceTS int64  `json:"source_ts,omitempty"`
	PodID    string `json:"pod_id"`
	Payload  []byte `json:"payload"`
}

func decodePresencePayload(raw []byte) wire.PresenceDiffPayload {
	diff, err := wire.DecodePresenceDiff(raw)
	if err != nil {
		return wire.PresenceDiffPayload{}
	}
	return diff
}

// Bridge is the producer/consumer for one pod's rooms, backed by a shared
// Redis client.
type Bridge struct {
	rdb *redis.Client
	cfg Config
	log *zap.Logger

	syncer PeerSyncer
}

// New constructs a Bridge over an already-connected Redis client.
func New(rdb *redis.Client, cfg Config, log *zap.Logger, syncer PeerSyncer) *Bridge {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 60 * time.Second
	}
	return &Bridge{rdb: rdb, cfg: cfg, log: log, syncer: syncer}
}

func streamName(roomID string) string {
	return "pod:room:" + roomID
}

// Ping reports whether the backing Redis is reachable, used by the pod's
// health check: a healthy cursor lag reading first requires the stream
// itself to be reachable.
func (b *Bridge) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
	}
	return nil
}

// PublishPresence appends a presence diff entry after it has been applied
// locally.
func (b *Bridge) PublishPresence(ctx context.Context, roomID, userID string, sourceTimestamp int64, payload []byte) error {
	return b.publish(ctx, roomID, entryFields{
		Kind:     "presence",
		UserID:   userID,
		SourceTS: sourceTimestamp,
		PodID:    b.cfg.PodID,
		Payload:  payload,
	})
}

// PublishStorage appends a storage op entry after it has been durably
// appended to the op store.
func (b *Bridge) PublishStorage(ctx context.Context, roomID, siteID string, seq int64, payload []byte) error {
	return b.publish(ctx, roomID, entryFields{
		Kind:    "storage",
		SiteID:  siteID,
		Seq:     seq,
		PodID:   b.cfg.PodID,
		Payload: payload,
	})
}

func (b *Bridge) publish(ctx context.Context, roomID string, fields entryFields) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("streambridge: encode entry: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(roomID),
		Values: map[string]interface{}{"fields": encoded},
	})
	pipe.XTrimMaxLen(ctx, streamName(roomID), b.cfg.MaxEntries)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
	}
	return nil
}

// Consumer drives one room's peer-entry ingestion. Exactly one Consumer
// runs per actively loaded room.
type Consumer struct {
	bridge *Bridge
	room   *podserver.Room
	roomID string

	cursor string // last delivered Redis stream entry id, "$" means "entries added from now on"
}

// NewConsumer builds a Consumer starting from "now" (skip history): after
// cold replay, the cursor is set to now and live traffic begins.
func NewConsumer(bridge *Bridge, room *podserver.Room, roomID string) *Consumer {
	return &Consumer{bridge: bridge, room: room, roomID: roomID, cursor: "$"}
}

// Run blocks, reading forward from the cursor until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := c.bridge.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamName(c.roomID), c.cursor},
			Block:   2 * time.Second,
			Count:   256,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if c.bridge.log != nil {
				c.bridge.log.Warn("stream read failed", zap.String("room", c.roomID), zap.Error(err))
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				c.deliver(msg)
				c.cursor = msg.ID
			}
		}
	}
}

func (c *Consumer) deliver(msg redis.XMessage) {
	raw, ok := msg.Values["fields"].(string)
	if !ok {
		return
	}
	var fields entryFields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return
	}

	if fields.PodID == c.bridge.cfg.PodID {
		return // our own echo
	}

	switch fields.Kind {
	case "presence":
		c.room.SubmitPeer(podserver.Envelope{
			Kind:            podserver.KindPresence,
			UserID:          fields.UserID,
			SourceTimestamp: fields.SourceTS,
			PresencePayload: decodePresencePayload(fields.Payload),
		})
	case "storage":
		c.room.SubmitPeer(podserver.Envelope{
			Kind:         podserver.KindStorage,
			UserID:       fields.SiteID,
			StorageBytes: fields.Payload,
		})
	}
}

// CheckGap reports whether the stream holds more entries than the
// bounded-history cap (XLEN > MaxEntries) and, if so, requests a full
// sync instead of advancing through a gap. The consumer's cursor position
// is not consulted. Returns true if a full sync was requested and
// performed.
func (c *Consumer) CheckGap(ctx context.Context) (bool, error) {
	length, err := c.bridge.rdb.XLen(ctx, streamName(c.roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
	}
	if length <= c.bridge.cfg.MaxEntries {
		return false, nil
	}
	if c.bridge.syncer == nil {
		return false, errors.New("streambridge: gap detected but no peer syncer configured")
	}

	presenceSnap, storageSnap, err := c.bridge.syncer.RequestFullSync(ctx, c.roomID)
	if err != nil {
		return false, err
	}
	c.room.SubmitPeer(podserver.Envelope{Kind: podserver.KindStorage, StorageBytes: storageSnap})
	_ = presenceSnap // the peer's presence snapshot is not applied; only the storage snapshot is merged

	c.cursor = "$"
	return true, nil
}
