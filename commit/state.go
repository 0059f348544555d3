package commit

import "fmt"

// State is where the local placement is in its lifecycle.
//
//	Idle -> Speculating -> Sent -> Confirmed -> Speculating ...
//
// Abort takes Sent (or Speculating) back to Idle after a transport failure.
type State int

const (
	Idle State = iota
	Speculating
	Sent
	Confirmed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speculating:
		return "speculating"
	case Sent:
		return "sent"
	case Confirmed:
		return "confirmed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
