package vmm

import "fmt"

// State is a state of the exit dispatcher.
type State int

const (
	Loading = State(iota)
	Running
	Handling
	ShuttingDown
)

var stateNames = [...]string{
	Loading:      "loading",
	Running:      "running",
	Handling:     "handling",
	ShuttingDown: "shutting-down",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// edges lists the legal transitions. Running goes straight to ShuttingDown
// only in handoff mode, where the one exit is the guest's shutdown.
var edges = map[State][]State{
	Loading:  {Running, ShuttingDown},
	Running:  {Handling, ShuttingDown},
	Handling: {Running, ShuttingDown},
}

func canTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}

	return false
}
