package masterjob

import "time"

// State is the position of an instance in the election. The numeric values
// are stable and appear in statistics.
type State int

const (
	StateDisabled       State = -1
	StateInactive       State = 0
	StateVerifyingComms State = 1
	StateStarting       State = 2
	StateRequesting1    State = 3
	StateRequesting2    State = 4
	StateTakingControl  State = 5
	StateActive         State = 10
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInactive:
		return "inactive"
	case StateVerifyingComms:
		return "verifying_comms"
	case StateStarting:
		return "starting"
	case StateRequesting1:
		return "requesting1"
	case StateRequesting2:
		return "requesting2"
	case StateTakingControl:
		return "taking_control"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Negotiating reports whether the instance is bidding for control.
func (s State) Negotiating() bool {
	return s == StateRequesting1 || s == StateRequesting2 || s == StateTakingControl
}

// Action is the action type of a negotiation message.
type Action string

const (
	ActionWhoIsMaster        Action = "whoismaster"
	ActionRequestingControl1 Action = "requestingcontrol1"
	ActionRequestingControl2 Action = "requestingcontrol2"
	ActionTakingControl      Action = "takingcontrol"
	ActionIAmMaster          Action = "iammaster"
	ActionIAmStandby         Action = "iamstandby"
	ActionResyncMaster       Action = "resyncmaster"
)

// refreshesActivity reports whether a peer message counts as master activity.
// Discovery queries do not, otherwise two silent peers would keep each other
// waiting forever.
func (a Action) refreshesActivity() bool {
	switch a {
	case ActionRequestingControl1, ActionRequestingControl2, ActionTakingControl, ActionIAmMaster:
		return true
	default:
		return false
	}
}

// StateChange is delivered to observers after every transition.
type StateChange struct {
	Command string    `json:"command"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
	Master  string    `json:"master,omitempty"`
}
