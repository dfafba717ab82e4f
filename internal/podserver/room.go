package podserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabpod/pod/internal/crdt"
	"github.com/collabpod/pod/internal/presence"
	"github.com/collabpod/pod/internal/wire"
)

// idleGraceDefault is the default idle eviction grace; the registry
// overrides it from configuration in production.
const idleGraceDefault = 60 * time.Second

// weighted fair scheduling shares: presence and storage each get a
// minimum share per quantum, default 40/60.
const (
	presenceQuantum = 2
	storageQuantum  = 3
)

// RoomConfig carries the per-room knobs sourced from pod configuration.
type RoomConfig struct {
	PodID       string
	IdleGrace   time.Duration
	PresenceTTL time.Duration
}

// joinRequest asks the coordinator to attach a session and deliver its
// initial sync: a session only leaves Opening for Live once attach and
// initial sync complete, before any live diff is forwarded.
type joinRequest struct {
	session *Session
	done    chan error
}

type leaveRequest struct {
	session *Session
}

// resyncRequest asks the coordinator to re-send a presence and storage
// snapshot to an already-live session, in response to a client Resync
// control frame.
type resyncRequest struct {
	session *Session
}

// Room is the single coordinator task owning one room's presence table,
// CRDT document, and session set. All mutation flows through its inbox;
// no other goroutine touches presenceTbl, doc, or sessions directly.
//
// The coordinator's select loop drives two weighted channels (presence,
// storage) feeding both local sessions and the peer stream bridge, giving
// each class a minimum share of every scheduling quantum.
type Room struct {
	ID  string
	cfg RoomConfig

	log     *zap.Logger
	metrics Metrics
	opStore OpAppender
	stream  StreamPublisher

	presenceTbl *presence.Table
	doc         *crdt.Document
	localSeq    int64

	sessions   map[string]*Session
	sessionsMu sync.RWMutex // guards only reads from outside the coordinator goroutine

	joinChan     chan joinRequest
	leaveChan    chan leaveRequest
	resyncChan   chan resyncRequest
	presenceChan chan Envelope
	storageChan  chan Envelope
	ttlTicker    *time.Ticker

	killTimer *time.Timer
	exit      chan struct{}
	exitOnce  sync.Once
	done      chan struct{}

	onEmpty func(roomID string) // registry callback to schedule idle eviction
}

// NewRoom constructs a Room primed from a cold-replay snapshot (or empty,
// for a brand new room). The caller is responsible for performing the
// ranged-scan replay into doc before calling NewRoom.
func NewRoom(id string, cfg RoomConfig, doc *crdt.Document, log *zap.Logger, metrics Metrics, opStore OpAppender, stream StreamPublisher, onEmpty func(string)) *Room {
	if cfg.IdleGrace == 0 {
		cfg.IdleGrace = idleGraceDefault
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if doc == nil {
		doc = crdt.New()
	}
	return &Room{
		ID:           id,
		cfg:          cfg,
		log:          log,
		metrics:      metrics,
		opStore:      opStore,
		stream:       stream,
		presenceTbl:  presence.New(nil),
		doc:          doc,
		sessions:     make(map[string]*Session),
		joinChan:     make(chan joinRequest, 64),
		leaveChan:    make(chan leaveRequest, 64),
		resyncChan:   make(chan resyncRequest, 64),
		presenceChan: make(chan Envelope, 1024),
		storageChan:  make(chan Envelope, 1024),
		exit:         make(chan struct{}),
		done:         make(chan struct{}),
		onEmpty:      onEmpty,
	}
}

// Run is the coordinator's serial loop. It must run in its own goroutine,
// started exactly once per room.
func (r *Room) Run() {
	r.killTimer = time.NewTimer(r.cfg.IdleGrace)
	r.killTimer.Stop()

	ttl := r.cfg.PresenceTTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	r.ttlTicker = time.NewTicker(ttl / 4)
	defer r.ttlTicker.Stop()

	for {
		r.serviceQuantum()

		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case resync := <-r.resyncChan:
			r.handleResync(resync)
		case <-r.ttlTicker.C:
			r.expirePresence()
		case <-r.killTimer.C:
			// onEmpty removes this room from the registry's map. It must
			// not block waiting on r.done: this goroutine IS the one that
			// would close it, on the next loop iteration via the exit
			// case below, once requestExit (called by onEmpty) fires it.
			if r.onEmpty != nil {
				r.onEmpty(r.ID)
			}
		case <-r.exit:
			r.handleExit()
			close(r.done)
			return
		case env := <-r.presenceChan:
			r.applyPresence(env)
		case env := <-r.storageChan:
			r.applyStorage(env)
		}
	}
}

// serviceQuantum drains up to presenceQuantum presence envelopes and
// storageQuantum storage envelopes before returning to the main select,
// giving each class a guaranteed minimum share per scheduling quantum
// without letting either starve the coordinator's other duties
// (join/leave/ttl/exit).
func (r *Room) serviceQuantum() {
	for i := 0; i < presenceQuantum; i++ {
		select {
		case env := <-r.presenceChan:
			r.applyPresence(env)
		default:
			i = presenceQuantum
		}
	}
	for i := 0; i < storageQuantum; i++ {
		select {
		case env := <-r.storageChan:
			r.applyStorage(env)
		default:
			i = storageQuantum
		}
	}
}

// SubmitLocal is called by a Session's ingress loop to hand an envelope to
// the coordinator. It never blocks the caller past the channel buffer.
func (r *Room) SubmitLocal(env Envelope) {
	switch env.Kind {
	case KindPresence:
		select {
		case r.presenceChan <- env:
		default:
			r.metrics.IncFramesDropped("presence_channel_full")
		}
	case KindStorage:
		select {
		case r.storageChan <- env:
		default:
			r.metrics.IncFramesDropped("storage_channel_full")
		}
	}
}

// SubmitPeer is called by the stream bridge consumer for this room.
func (r *Room) SubmitPeer(env Envelope) {
	env.FromPeer = true
	r.SubmitLocal(env)
}

func (r *Room) applyPresence(env Envelope) {
	r.metrics.IncFramesIn("presence_diff")

	if env.FromPeer {
		existing, ok := r.presenceTbl.Get(env.UserID)
		if ok && env.SourceTimestamp < existing.LastActive.UnixMilli() {
			r.metrics.IncPresenceDedupDropped()
			return
		}
	}

	entry := r.presenceTbl.ApplyDiff(presence.Diff{
		UserID:   env.UserID,
		Fields:   env.PresencePayload.Fields,
		Metadata: env.PresencePayload.Metadata,
	})

	payload, err := wire.EncodePresenceDiff(wire.PresenceDiffPayload{
		Fields:   entry.Fields,
		Metadata: entry.Metadata,
	})
	if err != nil {
		return
	}

	r.publishLocal(env, wire.PresenceDiff, payload, entry.UserID)

	if !env.FromPeer && r.stream != nil {
		_ = r.stream.PublishPresence(context.Background(), r.ID, env.UserID, entry.LastActive.UnixMilli(), payload)
	}
}

func (r *Room) applyStorage(env Envelope) {
	r.metrics.IncFramesIn("storage_update")

	if !env.FromPeer {
		// Durable append happens before the op is applied to the
		// in-memory document or broadcast to anyone.
		if r.opStore == nil {
			return
		}
		seq, err := r.opStore.Append(context.Background(), r.ID, env.SessionID, env.StorageBytes)
		if err != nil {
			r.metrics.IncFramesDropped("op_store_unavailable")
			return
		}
		r.metrics.IncStorageOpsPersisted()
		r.localSeq = seq

		if r.stream != nil {
			_ = r.stream.PublishStorage(context.Background(), r.ID, env.SessionID, seq, env.StorageBytes)
		}
	}

	if err := r.doc.Apply(env.StorageBytes); err != nil {
		r.log.Warn("crdt apply failed", zap.String("room", r.ID), zap.Error(err))
		return
	}
	r.metrics.IncStorageOpsApplied()

	r.publishLocal(env, wire.StorageUpdate, env.StorageBytes, "")
}

// publishLocal fans the frame out to every live session except the
// originating one. coalesceKey is non-empty only for presence frames.
func (r *Room) publishLocal(origin Envelope, frameType wire.FrameType, payload []byte, coalesceKey string) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()

	for id, sess := range r.sessions {
		if id == origin.SessionID {
			continue
		}
		sess.Enqueue(frameType, payload, coalesceKey)
		r.metrics.IncFramesOut(frameTypeLabel(frameType))
	}
}

func frameTypeLabel(t wire.FrameType) string {
	return t.String()
}

func (r *Room) expirePresence() {
	ttl := r.cfg.PresenceTTL
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	for _, userID := range r.presenceTbl.ExpireStale(ttl) {
		payload, err := wire.EncodePresenceDiff(wire.PresenceDiffPayload{Fields: nil})
		if err != nil {
			continue
		}
		r.publishLocal(Envelope{}, wire.PresenceDiff, payload, userID)
		if r.stream != nil {
			_ = r.stream.PublishPresence(context.Background(), r.ID, userID, time.Now().UnixMilli(), payload)
		}
	}
}

func (r *Room) handleJoin(req joinRequest) {
	r.killTimer.Stop()

	r.sessionsMu.Lock()
	r.sessions[req.session.ID] = req.session
	count := len(r.sessions)
	r.sessionsMu.Unlock()

	r.metrics.SetActiveSessions(r.ID, count)

	presenceSnap, storageSnap, err := r.buildSyncPayloads()
	if err != nil {
		req.done <- err
		return
	}

	if wErr := req.session.transport.WriteFrame(context.Background(), wire.Encode(wire.PresenceSync, presenceSnap)); wErr != nil {
		req.done <- wErr
		return
	}
	if wErr := req.session.transport.WriteFrame(context.Background(), wire.Encode(wire.StorageSync, storageSnap)); wErr != nil {
		req.done <- wErr
		return
	}

	req.session.transition(StateLive)
	req.done <- nil
}

// buildSyncPayloads encodes the current presence table and CRDT document as
// the pair of snapshots sent on initial attach and on a client-requested
// resync.
func (r *Room) buildSyncPayloads() (presenceSnap, storageSnap []byte, err error) {
	presenceSnap, err = wire.EncodePresenceSnapshot(wire.PresenceSnapshotPayload{
		Entries: toWireEntries(r.presenceTbl.Snapshot()),
	})
	if err != nil {
		return nil, nil, err
	}
	storageSnap, err = r.doc.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	return presenceSnap, storageSnap, nil
}

// handleResync re-sends the current presence and storage snapshots to an
// already-live session, queued through its normal egress path rather than
// written straight to the transport: a resync can race with live traffic
// already being coalesced for the same session.
func (r *Room) handleResync(req resyncRequest) {
	presenceSnap, storageSnap, err := r.buildSyncPayloads()
	if err != nil {
		return
	}
	req.session.Enqueue(wire.PresenceSync, presenceSnap, "")
	req.session.Enqueue(wire.StorageSync, storageSnap, "")
}

func toWireEntries(entries []presence.Entry) []wire.PresenceEntryWire {
	out := make([]wire.PresenceEntryWire, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.PresenceEntryWire{
			UserID:     e.UserID,
			Fields:     e.Fields,
			Metadata:   e.Metadata,
			LastActive: e.LastActive.UnixMilli(),
		})
	}
	return out
}

func (r *Room) handleLeave(req leaveRequest) {
	r.sessionsMu.Lock()
	delete(r.sessions, req.session.ID)
	count := len(r.sessions)
	r.sessionsMu.Unlock()

	r.metrics.SetActiveSessions(r.ID, count)

	r.presenceRemoveIfLastSession(req.session.UserID)

	if count == 0 {
		r.killTimer.Reset(r.cfg.IdleGrace)
	}
}

func (r *Room) presenceRemoveIfLastSession(userID string) {
	r.sessionsMu.RLock()
	for _, sess := range r.sessions {
		if sess.UserID == userID {
			r.sessionsMu.RUnlock()
			return
		}
	}
	r.sessionsMu.RUnlock()

	if entry, ok := r.presenceTbl.Remove(userID); ok {
		payload, err := wire.EncodePresenceDiff(wire.PresenceDiffPayload{Fields: nil})
		if err != nil {
			return
		}
		r.publishLocal(Envelope{}, wire.PresenceDiff, payload, userID)
		if r.stream != nil {
			_ = r.stream.PublishPresence(context.Background(), r.ID, userID, entry.LastActive.UnixMilli(), payload)
		}
	}
}

func (r *Room) handleExit() {
	r.sessionsMu.Lock()
	for _, sess := range r.sessions {
		sess.Close()
	}
	r.sessionsMu.Unlock()
}

// Join asks the coordinator to attach session, blocking until the initial
// sync has been written or attach fails.
func (r *Room) Join(session *Session) error {
	done := make(chan error, 1)
	r.joinChan <- joinRequest{session: session, done: done}
	return <-done
}

// Leave asks the coordinator to detach session.
func (r *Room) Leave(session *Session) {
	r.leaveChan <- leaveRequest{session: session}
}

// Resync asks the coordinator to re-send session a presence and storage
// snapshot. It never blocks the caller past the channel buffer; a dropped
// request just means the client can ask again.
func (r *Room) Resync(session *Session) {
	select {
	case r.resyncChan <- resyncRequest{session: session}:
	default:
	}
}

// requestExit closes the exit channel exactly once, safe to call
// concurrently and safe to call from the coordinator's own goroutine
// (unlike Exit, it never blocks on r.done).
func (r *Room) requestExit() {
	r.exitOnce.Do(func() { close(r.exit) })
}

// Exit signals the coordinator to shut down, waiting for it to finish.
// Callers must be on a goroutine other than the coordinator's own.
func (r *Room) Exit() {
	r.requestExit()
	<-r.done
}

// SessionCount reports the current number of attached sessions, used by
// the registry for capacity accounting. Safe to call from any goroutine.
func (r *Room) SessionCount() int {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	return len(r.sessions)
}
