package conn

// State names the connection's place in its lifecycle. A
// connection starts in Starting, is pushed by Start into exactly one of
// Raw/Passive/Active, and ends in Stopping then Stopped.
type State int32

const (
	Starting State = iota
	Raw
	Passive
	Active
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Raw:
		return "raw"
	case Passive:
		return "passive"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
