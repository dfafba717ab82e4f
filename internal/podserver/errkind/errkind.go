// Package errkind enumerates the session- and pod-level error taxonomy,
// used both for the Error frame's code field and for structured log lines
// and counters.
package errkind

// Kind classifies every error the pod can surface to a client or operator.
type Kind string

const (
	MalformedFrame       Kind = "malformed_frame"
	ProtocolViolation    Kind = "protocol_violation"
	Unauthorized         Kind = "unauthorized"
	RateLimited          Kind = "rate_limited"
	SlowConsumer         Kind = "slow_consumer"
	StreamUnavailable    Kind = "stream_unavailable"
	OpStoreUnavailable   Kind = "op_store_unavailable"
	RoomCapacityExceeded Kind = "room_capacity_exceeded"
	TooManyRooms         Kind = "too_many_rooms"
	Shutdown             Kind = "shutdown"
	InternalBug          Kind = "internal_bug"
)

// Fatal reports whether this kind always terminates the session that
// produced it, as opposed to a transient dependency error the caller may
// retry.
func (k Kind) Fatal() bool {
	switch k {
	case Unauthorized, RoomCapacityExceeded, TooManyRooms, Shutdown, InternalBug:
		return true
	default:
		return false
	}
}
