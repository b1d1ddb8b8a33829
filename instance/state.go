package instance

// State is a step in an instance's lifecycle.
type State int32

const (
	Created State = iota
	Starting
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
