package entities

// TurnState is the lifecycle state of a turn task.
type TurnState int

const (
	TurnRunning TurnState = iota
	TurnCancelled
	TurnCompleted
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnRunning:
		return "running"
	case TurnCancelled:
		return "cancelled"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Done reports whether the state is terminal
func (s TurnState) Done() bool {
	return s != TurnRunning
}

// ConversationState is the per-connection turn-taking state.
type ConversationState int

const (
	StateListening ConversationState = iota
	StateProcessing
	StateSpeaking
)

func (s ConversationState) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}
