package gateway

// ConnectionState tracks one publish connection through its lifecycle. The
// only oscillation allowed is connected <-> disconnected; failed and closed
// are terminal.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// validTransitions encodes the state machine. Closed is reachable from every
// state so CloseConnection can always finish.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateNew:          {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateFailed, StateClosed},
	StateConnected:    {StateDisconnected, StateFailed, StateClosed},
	StateDisconnected: {StateConnected, StateFailed, StateClosed},
	StateFailed:       {StateClosed},
	StateClosed:       {},
}

// canTransition reports whether moving from one state to another is legal.
func canTransition(from, to ConnectionState) bool {
	if from == to {
		return false
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
