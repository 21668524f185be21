package relay

// Phase is the connection lifecycle phase.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseAuthenticating Phase = "authenticating"
	PhaseConnected      Phase = "connected"
	// PhaseError is non-terminal: a reconnect is scheduled unless the cause
	// was an authentication rejection.
	PhaseError Phase = "error"
)

// State is the externally observable connection state. It is owned by the
// connection; everything else reads it through snapshots.
type State struct {
	Phase             Phase
	IsAuthenticated   bool
	LastError         error
	ReconnectAttempts int
}

// SendResult reports how Send handled a frame.
type SendResult int

const (
	// SendSent means the frame was written to the live transport.
	SendSent SendResult = iota
	// SendQueued means the connection is not up and the frame was appended
	// to the outbound queue for flushing after the next successful auth.
	// Queuing is a normal outcome, not an error.
	SendQueued
	// SendFailed means the frame could not be encoded and was neither sent
	// nor queued. It always accompanies a non-nil error.
	SendFailed
)

func (r SendResult) String() string {
	switch r {
	case SendQueued:
		return "queued"
	case SendFailed:
		return "failed"
	default:
		return "sent"
	}
}
