package wire

// Error codes carried in an Error frame's code:u16 field.
const (
	CodeMalformedFrame       uint16 = 1
	CodeProtocolViolation    uint16 = 2
	CodeUnauthorized         uint16 = 3
	CodeRateLimited          uint16 = 4
	CodeSlowConsumer         uint16 = 5
	CodeTemporarilyReadOnly  uint16 = 6
	CodeRoomCapacityExceeded uint16 = 7
	CodeTooManyRooms         uint16 = 8
	CodeShutdown             uint16 = 9
	CodeInternalBug          uint16 = 10
)
