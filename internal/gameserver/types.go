package gameserver

// ClientConnectionState represents the state machine of one websocket connection.
type ClientConnectionState int32

const (
	ClientStateConnected    ClientConnectionState = iota // upgraded, runtime not attached yet
	ClientStateReady                                     // runtime CONNECTED, socket:ready sent
	ClientStateDisconnected                              // connection closing or closed
)

func (s ClientConnectionState) String() string {
	switch s {
	case ClientStateConnected:
		return "CONNECTED"
	case ClientStateReady:
		return "READY"
	case ClientStateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}
