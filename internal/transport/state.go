// Package transport maintains the persistent connection that carries captured
// call audio to the remote analysis endpoint.
//
// [Session] owns an explicit reconnecting state machine around a [Conn]
// obtained from a [Dialer]. While connected it drains the relay queue and
// transmits frames; on any transport failure it backs off exponentially and
// redials, up to a configured attempt budget. [Realtime] is the production
// Dialer speaking the OpenAI Realtime websocket protocol.
package transport

// State is the current operating mode of a [Session].
type State int

const (
	// StateDisconnected is the initial state before Run is called.
	StateDisconnected State = iota

	// StateConnecting means a dial/handshake is in flight.
	StateConnecting

	// StateConnected means frames are being drained from the queue and sent.
	StateConnected

	// StateReconnecting means the session is waiting out a backoff delay
	// after a connect or send failure.
	StateReconnecting

	// StateClosed is terminal: reached on Stop or after the retry budget is
	// exhausted. No transition leaves this state.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
