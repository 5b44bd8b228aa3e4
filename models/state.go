package models

// ConnectionState is the supervisor's lifecycle position. Only the
// supervisor mutates it; everything else reads snapshots.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateLive
	StateDraining
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}
