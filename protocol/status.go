package protocol

import "fmt"

// Status is the numeric status carried by epitaphs and used to classify
// errors at connection level. Values follow the kernel status space the wire
// format was designed against.
type Status int32

const (
	StatusOK                   Status = 0
	StatusInternal             Status = -1
	StatusNotSupported         Status = -2
	StatusNoMemory             Status = -4
	StatusInvalidArgs          Status = -10
	StatusBadHandle            Status = -11
	StatusWrongType            Status = -12
	StatusOutOfRange           Status = -14
	StatusBufferTooSmall       Status = -15
	StatusBadState             Status = -20
	StatusTimedOut             Status = -21
	StatusShouldWait           Status = -22
	StatusCanceled             Status = -23
	StatusPeerClosed           Status = -24
	StatusNotFound             Status = -25
	StatusUnavailable          Status = -28
	StatusAccessDenied         Status = -30
	StatusIO                   Status = -40
	StatusProtocolNotSupported Status = -70
)

var statusNames = map[Status]string{
	StatusOK:                   "OK",
	StatusInternal:             "INTERNAL",
	StatusNotSupported:         "NOT_SUPPORTED",
	StatusNoMemory:             "NO_MEMORY",
	StatusInvalidArgs:          "INVALID_ARGS",
	StatusBadHandle:            "BAD_HANDLE",
	StatusWrongType:            "WRONG_TYPE",
	StatusOutOfRange:           "OUT_OF_RANGE",
	StatusBufferTooSmall:       "BUFFER_TOO_SMALL",
	StatusBadState:             "BAD_STATE",
	StatusTimedOut:             "TIMED_OUT",
	StatusShouldWait:           "SHOULD_WAIT",
	StatusCanceled:             "CANCELED",
	StatusPeerClosed:           "PEER_CLOSED",
	StatusNotFound:             "NOT_FOUND",
	StatusUnavailable:          "UNAVAILABLE",
	StatusAccessDenied:         "ACCESS_DENIED",
	StatusIO:                   "IO",
	StatusProtocolNotSupported: "PROTOCOL_NOT_SUPPORTED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// Error lets a Status travel as an error value; StatusOK should never be
// returned as an error.
func (s Status) Error() string {
	return "status " + s.String()
}
