package httpapi

import (
	"context"
	"fmt"

	"github.com/collabpod/pod/internal/podserver"
)

// Pinger is satisfied by internal/opstore.Store and internal/streambridge.Bridge.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports whether the pod is serviceable: the room registry
// is responsive, the op store is reachable, and the stream bridge is
// reachable. Stream cursor lag is not part of this check, and no
// component sets the stream_lag_entries gauge.
type HealthChecker struct {
	registry *podserver.Registry
	opStore  Pinger
	stream   Pinger
}

// NewHealthChecker constructs a HealthChecker. opStore/stream may be nil in
// tests that don't wire a real dependency; a nil dependency is treated as
// always healthy so standalone registry tests don't need to fake it.
func NewHealthChecker(registry *podserver.Registry, opStore, stream Pinger) *HealthChecker {
	return &HealthChecker{registry: registry, opStore: opStore, stream: stream}
}

// Check returns nil if the pod is healthy, or an error naming the first
// failing dependency.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.registry == nil {
		return fmt.Errorf("httpapi: room registry not configured")
	}
	if h.opStore != nil {
		if err := h.opStore.Ping(ctx); err != nil {
			return fmt.Errorf("httpapi: op store unreachable: %w", err)
		}
	}
	if h.stream != nil {
		if err := h.stream.Ping(ctx); err != nil {
			return fmt.Errorf("httpapi: stream bridge unreachable: %w", err)
		}
	}
	return nil
}
