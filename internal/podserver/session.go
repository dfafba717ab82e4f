package podserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"
	"go.uber.org/zap"

	"github.com/collabpod/pod/internal/podserver/errkind"
	"github.com/collabpod/pod/internal/wire"
)

// State is the session lifecycle state.
type State int32

const (
	StateOpening State = iota
	StateLive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the minimal bidirectional framed connection a Session needs.
// It narrows the dependency to an interface so podserver does not import
// gorilla/websocket itself; that wiring lives in internal/httpapi.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, raw []byte) error
	Close() error
}

const (
	pingInterval         = 20 * time.Second
	pongTimeout          = 40 * time.Second
	maxMalformedInWindow = 8
	malformedWindow      = 10 * time.Second
)

var sessionIDGenerator = func() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid.Generate only fails on exhausted entropy configuration,
		// which New()/default global generator never hits in practice.
		panic("podserver: session id generation failed: " + err.Error())
	}
	return id
}

// Session is one client's attachment to one room: ingress/egress
// goroutines and a ping ticker, built around the
// binary frame protocol, a dual-class rate limiter, and the coalescing
// egress queue.
type Session struct {
	ID     string
	UserID string
	RoomID string

	transport Transport
	room      *Room
	log       *zap.Logger

	state atomic.Int32

	limits *frameLimits

	egressMu    sync.Mutex
	egress      *egressQueue
	egressReady chan struct{}

	malformedCount  int
	malformedWindow time.Time

	slowClientTimeout time.Duration
	drainTimeout      time.Duration

	lastPong atomic.Value // time.Time

	closeOnce sync.Once
	closed    chan struct{}

	onClose func(reason errkind.Kind)
}

// SessionConfig carries the numeric knobs needed to build a Session.
type SessionConfig struct {
	EgressBytes       int
	EgressFrames      int
	SlowClientTimeout time.Duration
	DrainTimeout      time.Duration
}

// NewSession constructs a Session in the Opening state. The caller must
// still call Room.Join (which performs the room join and initial sync)
// before Run begins forwarding frames.
func NewSession(userID, roomID string, transport Transport, room *Room, log *zap.Logger, cfg SessionConfig) *Session {
	s := &Session{
		ID:                sessionIDGenerator(),
		UserID:            userID,
		RoomID:            roomID,
		transport:         transport,
		room:              room,
		log:               log,
		limits:            defaultFrameLimits(),
		egressReady:       make(chan struct{}, 1),
		slowClientTimeout: cfg.SlowClientTimeout,
		drainTimeout:      cfg.DrainTimeout,
		closed:            make(chan struct{}),
	}
	s.egress = newEgressQueue(cfg.EgressBytes, cfg.EgressFrames, s.recordDrop)
	s.state.Store(int32(StateOpening))
	s.lastPong.Store(time.Now())
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(to State) {
	s.state.Store(int32(to))
}

func (s *Session) recordDrop(reason string) {
	if s.room != nil {
		s.room.metrics.IncEgressDrop(reason)
	}
}

// Run drives the session's ingress and egress loops until the transport
// closes, the session is drained, or ctx is cancelled. It blocks until
// both loops exit.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.runIngress(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runEgress(ctx)
	}()

	wg.Wait()
	s.transition(StateClosed)
}

func (s *Session) runIngress(ctx context.Context) {
	for {
		if s.State() == StateClosed || s.State() == StateDraining {
			return
		}

		raw, err := s.transport.ReadFrame(ctx)
		if err != nil {
			s.closeWith(errkind.InternalBug)
			return
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			if s.recordMalformed() {
				s.closeWith(errkind.ProtocolViolation)
				return
			}
			continue
		}

		s.dispatch(frame)
	}
}

func (s *Session) recordMalformed() (shouldClose bool) {
	now := time.Now()
	if now.Sub(s.malformedWindow) > malformedWindow {
		s.malformedCount = 0
		s.malformedWindow = now
	}
	s.malformedCount++
	return s.malformedCount >= maxMalformedInWindow
}

func (s *Session) dispatch(frame wire.Frame) {
	if s.State() == StateOpening {
		// Ingress is rejected entirely until the room attach + initial
		// sync completes.
		return
	}

	switch frame.Type {
	case wire.PresenceDiff:
		if !s.limits.AllowPresence() {
			s.room.metrics.IncFramesDropped("rate_limited")
			if s.limits.RecordViolation(20, time.Now()) {
				s.transitionDraining(errkind.RateLimited)
			}
			return
		}
		diff, err := wire.DecodePresenceDiff(frame.Payload)
		if err != nil {
			return
		}
		s.room.SubmitLocal(Envelope{
			Kind:            KindPresence,
			UserID:          s.UserID,
			SessionID:       s.ID,
			PresencePayload: diff,
		})

	case wire.StorageUpdate:
		if !s.limits.AllowStorage() {
			s.room.metrics.IncFramesDropped("rate_limited")
			if s.limits.RecordViolation(200, time.Now()) {
				s.transitionDraining(errkind.RateLimited)
			}
			return
		}
		s.room.SubmitLocal(Envelope{
			Kind:         KindStorage,
			UserID:       s.UserID,
			SessionID:    s.ID,
			StorageBytes: append([]byte(nil), frame.Payload...),
		})

	case wire.Control:
		subtype, _, err := wire.DecodeControl(frame.Payload)
		if err != nil {
			return
		}
		switch subtype {
		case wire.Pong:
			s.lastPong.Store(time.Now())
		case wire.Resync:
			s.room.Resync(s)
		}

	default:
		// PresenceSync/StorageSync/Error are server->client only; a
		// client sending one is a protocol violation but not fatal on
		// its own.
	}
}

func (s *Session) transitionDraining(reason errkind.Kind) {
	if s.State() != StateLive {
		return
	}
	s.transition(StateDraining)
	s.room.metrics.IncSessionClose(string(reason))
}

func (s *Session) runEgress(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	drainDeadline := time.NewTimer(0)
	if !drainDeadline.Stop() {
		<-drainDeadline.C
	}
	drainArmed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if time.Since(s.lastPong.Load().(time.Time)) > pongTimeout {
				s.transitionDraining(errkind.SlowConsumer)
			}
			_ = s.transport.WriteFrame(ctx, wire.EncodeControl(wire.Ping, nil))
		case <-s.egressReady:
			s.flushOne(ctx)
		case <-drainDeadline.C:
			s.closeWith(errkind.Shutdown)
			return
		}

		if s.State() == StateDraining && !drainArmed {
			drainArmed = true
			drainDeadline.Reset(s.drainTimeout)
		}
		if s.State() == StateClosed {
			return
		}
		s.egressMu.Lock()
		empty := s.egress.QueuedFrames() == 0
		s.egressMu.Unlock()
		if s.State() == StateDraining && empty {
			s.closeWith(errkind.Shutdown)
			return
		}
	}
}

func (s *Session) flushOne(ctx context.Context) {
	s.egressMu.Lock()
	frameType, payload, ok := s.egress.Pop()
	hasMore := ok && s.egress.QueuedFrames() > 0
	s.egressMu.Unlock()
	if !ok {
		return
	}
	if hasMore {
		select {
		case s.egressReady <- struct{}{}:
		default:
		}
	}
	_ = s.transport.WriteFrame(ctx, wire.Encode(wire.FrameType(frameType), payload))
}

// Enqueue queues a frame for delivery to this session, applying the
// bounded/coalescing backpressure policy. coalesceKey is the user id for
// presence frames and empty for everything else.
func (s *Session) Enqueue(frameType wire.FrameType, payload []byte, coalesceKey string) {
	s.egressMu.Lock()
	ok := s.egress.Push(byte(frameType), payload, coalesceKey)
	onlyStorage := s.egress.OnlyStorageRemains()
	s.egressMu.Unlock()

	if ok {
		select {
		case s.egressReady <- struct{}{}:
		default:
		}
		return
	}

	if onlyStorage {
		go s.watchSlowConsumer()
	}
}

func (s *Session) watchSlowConsumer() {
	timer := time.NewTimer(s.slowClientTimeout)
	defer timer.Stop()
	<-timer.C

	s.egressMu.Lock()
	stillFull := s.egress.Full() && s.egress.OnlyStorageRemains()
	s.egressMu.Unlock()
	if stillFull {
		s.transitionDraining(errkind.SlowConsumer)
	}
}

// BufferedBytes and QueuedFrames expose egress occupancy for tests and
// metrics.
func (s *Session) BufferedBytes() int {
	s.egressMu.Lock()
	defer s.egressMu.Unlock()
	return s.egress.BufferedBytes()
}

func (s *Session) QueuedFrames() int {
	s.egressMu.Lock()
	defer s.egressMu.Unlock()
	return s.egress.QueuedFrames()
}

func (s *Session) closeWith(reason errkind.Kind) {
	s.closeOnce.Do(func() {
		s.transition(StateClosed)
		close(s.closed)
		_ = s.transport.Close()
		if s.onClose != nil {
			s.onClose(reason)
		}
	})
}

// Close begins a graceful shutdown, used by the pod during a room or pod
// drain: it sends a Drain control frame and transitions to Draining so
// runEgress flushes whatever is already queued (up to drainTimeout) before
// actually closing the transport. A session that never reached Live has no
// egress loop running yet to drain, so it closes immediately instead.
func (s *Session) Close() {
	if s.State() != StateLive {
		s.closeWith(errkind.Shutdown)
		return
	}
	_ = s.transport.WriteFrame(context.Background(), wire.EncodeControl(wire.Drain, nil))
	s.transitionDraining(errkind.Shutdown)
}
