package analyzer

// State is a step of a pipeline run.
type State int

const (
	StateIdle State = iota
	StateSourcing
	StateSampling
	StateDescribing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSourcing:
		return "sourcing"
	case StateSampling:
		return "sampling"
	case StateDescribing:
		return "describing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
