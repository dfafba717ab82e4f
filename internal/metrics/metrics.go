// Package metrics implements the pod's counter registry: a set of named
// counters and gauges, serialized through a single update actor, exposed
// as line-oriented text.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type counterUpdate struct {
	name  string
	delta int64
}

type gaugeUpdate struct {
	name  string
	value int64
}

// Registry is the pod-wide counter/gauge actor, satisfying
// podserver.Metrics structurally (no import of podserver needed here, to
// avoid a dependency cycle with callers that already import both).
type Registry struct {
	startTime time.Time

	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64

	counterChan chan counterUpdate
	gaugeChan   chan gaugeUpdate
	stop        chan struct{}
	done        chan struct{}
}

// New constructs a Registry and starts its update actor.
func New() *Registry {
	r := &Registry{
		startTime:   time.Now(),
		counters:    make(map[string]int64),
		gauges:      make(map[string]int64),
		counterChan: make(chan counterUpdate, 1024),
		gaugeChan:   make(chan gaugeUpdate, 256),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		select {
		case u := <-r.counterChan:
			r.mu.Lock()
			r.counters[u.name] += u.delta
			r.mu.Unlock()
		case u := <-r.gaugeChan:
			r.mu.Lock()
			r.gauges[u.name] = u.value
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}

// Stop halts the update actor. Safe to call once.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Registry) incr(name string, delta int64) {
	select {
	case r.counterChan <- counterUpdate{name: name, delta: delta}:
	case <-r.stop:
	}
}

func (r *Registry) setGauge(name string, value int64) {
	select {
	case r.gaugeChan <- gaugeUpdate{name: name, value: value}:
	case <-r.stop:
	}
}

func label(name, tag string) string {
	if tag == "" {
		return name
	}
	return fmt.Sprintf("%s{%s}", name, tag)
}

// The following methods implement podserver.Metrics: active_sessions(room),
// active_rooms, frames_in(type), frames_out(type),
// presence_diffs_dedup_dropped, storage_ops_applied, storage_ops_persisted,
// stream_lag_entries(room), egress_drops(reason), session_closes(reason).

func (r *Registry) IncFramesIn(frameType string)  { r.incr(label("frames_in", frameType), 1) }
func (r *Registry) IncFramesOut(frameType string) { r.incr(label("frames_out", frameType), 1) }
func (r *Registry) IncFramesDropped(frameType string) {
	r.incr(label("frames_dropped", frameType), 1)
}
func (r *Registry) IncEgressDrop(reason string)   { r.incr(label("egress_drops", reason), 1) }
func (r *Registry) IncSessionClose(reason string) { r.incr(label("session_closes", reason), 1) }
func (r *Registry) IncStorageOpsApplied()         { r.incr("storage_ops_applied", 1) }
func (r *Registry) IncStorageOpsPersisted()       { r.incr("storage_ops_persisted", 1) }
func (r *Registry) IncPresenceDedupDropped()      { r.incr("presence_diffs_dedup_dropped", 1) }

func (r *Registry) SetActiveSessions(roomID string, n int) {
	r.setGauge(label("active_sessions", roomID), int64(n))
}
func (r *Registry) SetActiveRooms(n int) { r.setGauge("active_rooms", int64(n)) }
func (r *Registry) SetStreamLag(roomID string, n int64) {
	r.setGauge(label("stream_lag_entries", roomID), n)
}

// WriteText renders every counter and gauge in a line-oriented text
// format: "<name> <value>\n", sorted for stable output.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	lines := make([]string, 0, len(r.counters)+len(r.gauges)+1)
	for name, val := range r.counters {
		lines = append(lines, fmt.Sprintf("%s %d", name, val))
	}
	for name, val := range r.gauges {
		lines = append(lines, fmt.Sprintf("%s %d", name, val))
	}
	r.mu.Unlock()

	lines = append(lines, fmt.Sprintf("uptime_ms %d", time.Since(r.startTime).Milliseconds()))
	sort.Strings(lines)

	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// Snapshot returns a copy of every counter/gauge value, for tests.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters)+len(r.gauges))
	for k, v := range r.counters {
		out[k] = v
	}
	for k, v := range r.gauges {
		out[k] = v
	}
	return out
}
