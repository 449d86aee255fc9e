package supervisor

type State string

const (
	StateIdle     State = "idle"
	StatePortFree State = "port_free"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

func (s State) String() string {
	return string(s)
}
