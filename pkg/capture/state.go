package capture

import "time"

// State is a step of the capture state machine:
//
//	idle -> session-started -> logging-in -> [awaiting-target] ->
//	awaiting-credential -> delivering -> done
type State string

const (
	StateIdle               State = "idle"
	StateSessionStarted     State = "session-started"
	StateLoggingIn          State = "logging-in"
	StateAwaitingTarget     State = "awaiting-target"
	StateAwaitingCredential State = "awaiting-credential"
	StateDelivering         State = "delivering"
	StateDone               State = "done"
)

// Transition records entry into a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}
