package podserver

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabpod/pod/internal/crdt"
	"github.com/collabpod/pod/internal/podserver/errkind"
)

// ErrTooManyRooms is returned by Attach when the per-pod room cap is
// exceeded.
var ErrTooManyRooms = errors.New("podserver: too many rooms")

// RoomLoader produces a CRDT document primed from cold replay for a room
// that has no in-memory state yet: a ranged scan of durable ops feeds
// Document.Apply before live traffic begins. The concrete implementation
// composes internal/opstore's RangeScan.
type RoomLoader interface {
	LoadDocument(roomID string) (*crdt.Document, error)
}

// RegistryConfig carries the pod-wide knobs needed to construct rooms.
type RegistryConfig struct {
	PodID       string
	IdleGrace   time.Duration
	PresenceTTL time.Duration
	MaxRooms    int
}

// RoomStartHook is invoked once per newly created room, right after its
// coordinator goroutine starts, and returns a stop func called when the
// room is torn down. cmd/pod uses this to start a per-room peer stream
// consumer: internal/streambridge already imports internal/podserver for
// *Room and Envelope, so podserver cannot import streambridge back to wire
// one up directly without an import cycle.
type RoomStartHook func(room *Room, roomID string) (stop func())

// Registry is the pod-global registry task: a thread-safe map of room id
// to Room, with lazy racy-safe creation and idle eviction. Each room gets
// its own coordinator goroutine; the registry itself has no goroutine and
// serializes room creation and removal with a single mutex.
type Registry struct {
	cfg     RegistryConfig
	log     *zap.Logger
	metrics Metrics
	loader  RoomLoader
	opStore OpAppender
	stream  StreamPublisher

	onRoomStart RoomStartHook

	mu        sync.Mutex
	rooms     map[string]*Room
	roomStops map[string]func()
	draining  bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig, log *zap.Logger, metrics Metrics, loader RoomLoader, opStore OpAppender, stream StreamPublisher) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		loader:    loader,
		opStore:   opStore,
		stream:    stream,
		rooms:     make(map[string]*Room),
		roomStops: make(map[string]func()),
	}
}

// SetRoomStartHook installs hook, invoked for every room Attach creates
// from this point on. It is not retroactive for already-loaded rooms.
func (reg *Registry) SetRoomStartHook(hook RoomStartHook) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.onRoomStart = hook
}

// Attach creates the room if absent (performing cold replay via the
// RoomLoader) and returns it, ready for Join. Room creation is racy-safe:
// only one Room instance per id is ever started.
func (reg *Registry) Attach(roomID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.draining {
		return nil, errkindError(errkind.Shutdown)
	}

	if room, ok := reg.rooms[roomID]; ok {
		return room, nil
	}

	if reg.cfg.MaxRooms > 0 && len(reg.rooms) >= reg.cfg.MaxRooms {
		return nil, ErrTooManyRooms
	}

	var doc *crdt.Document
	if reg.loader != nil {
		loaded, err := reg.loader.LoadDocument(roomID)
		if err != nil {
			return nil, err
		}
		doc = loaded
	}

	room := NewRoom(roomID, RoomConfig{
		PodID:       reg.cfg.PodID,
		IdleGrace:   reg.cfg.IdleGrace,
		PresenceTTL: reg.cfg.PresenceTTL,
	}, doc, reg.log, reg.metrics, reg.opStore, reg.stream, reg.onRoomEmpty)

	reg.rooms[roomID] = room
	reg.metrics.SetActiveRooms(len(reg.rooms))
	go room.Run()

	if reg.onRoomStart != nil {
		reg.roomStops[roomID] = reg.onRoomStart(room, roomID)
	}

	return room, nil
}

// onRoomEmpty is the Room's idle-timer callback, invoked synchronously
// from within the room's own coordinator goroutine. It must not block on
// the room's done channel; that would deadlock the very goroutine that
// needs to close it. Removing the map entry and firing requestExit is
// enough; the coordinator observes its own exit channel on its next loop
// iteration and shuts itself down.
func (reg *Registry) onRoomEmpty(roomID string) {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	if !ok || room.SessionCount() > 0 {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	stop := reg.roomStops[roomID]
	delete(reg.roomStops, roomID)
	reg.metrics.SetActiveRooms(len(reg.rooms))
	reg.mu.Unlock()

	if stop != nil {
		stop()
	}
	room.requestExit()
}

// Lookup returns the room for roomID if it is currently loaded, without
// creating it.
func (reg *Registry) Lookup(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// RoomCount reports the number of currently loaded rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown stops accepting new room creation and exits every loaded room,
// waiting for each coordinator to drain its inbox.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	reg.draining = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	stops := make([]func(), 0, len(reg.roomStops))
	for _, stop := range reg.roomStops {
		stops = append(stops, stop)
	}
	reg.rooms = make(map[string]*Room)
	reg.roomStops = make(map[string]func())
	reg.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, room := range rooms {
		room.Exit()
	}
}

func errkindError(k errkind.Kind) error {
	return errors.New("podserver: " + string(k))
}
