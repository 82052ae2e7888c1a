package transport

// Status is the lifecycle state of a Channel.
type Status int32

const (
    StatusConnectInProgress Status = iota
    StatusConnected
    StatusHandshakeInProgress
    StatusHandshakePassed
    StatusReady
    StatusClosed
)

func (s Status) String() string {
    switch s {
    case StatusConnectInProgress:
        return "CONNECT_IN_PROGRESS"
    case StatusConnected:
        return "CONNECTED"
    case StatusHandshakeInProgress:
        return "HANDSHAKE_IN_PROGRESS"
    case StatusHandshakePassed:
        return "HANDSHAKE_PASSED"
    case StatusReady:
        return "READY"
    case StatusClosed:
        return "CLOSED"
    default:
        return "UNKNOWN"
    }
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
    return []Status{StatusConnectInProgress, StatusConnected, StatusHandshakeInProgress, StatusHandshakePassed, StatusReady, StatusClosed}
}

// CanFlip reports whether from -> to is a lifecycle edge: the next step
// towards READY, or CLOSED from any status other than CLOSED.
func CanFlip(from, to Status) bool {
    if from < StatusConnectInProgress || from >= StatusClosed { return false }
    if to == StatusClosed { return true }
    return from < StatusReady && to == from+1
}
