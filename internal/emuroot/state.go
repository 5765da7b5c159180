package emuroot

// State is a step of a mode run
type State int

const (
	StateIdle State = iota
	StateStaging
	StateLocated
	StatePatched
	StateCleaned
	// StateDisabled ends a single-mode run, which has nothing to clean up
	StateDisabled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStaging:
		return "staging"
	case StateLocated:
		return "located"
	case StatePatched:
		return "patched"
	case StateCleaned:
		return "cleaned"
	case StateDisabled:
		return "disabled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Mode names an escalation strategy
type Mode string

const (
	ModeSingle Mode = "single"
	ModeSetuid Mode = "setuid"
	ModeAdbd   Mode = "adbd"
)

// validTransitions lists the allowed successor states per mode
var validTransitions = map[Mode]map[State][]State{
	ModeSingle: {
		StateIdle:    {StateLocated},
		StateLocated: {StatePatched},
		StatePatched: {StateDisabled},
	},
	ModeSetuid: {
		StateIdle:    {StateStaging},
		StateStaging: {StateLocated},
		StateLocated: {StatePatched},
		StatePatched: {StateCleaned},
	},
	ModeAdbd: {
		StateIdle:    {StateStaging},
		StateStaging: {StateLocated},
		StateLocated: {StatePatched},
		StatePatched: {StateCleaned},
	},
}

func canTransition(mode Mode, from, to State) bool {
	if to == StateFailed {
		return true
	}
	for _, s := range validTransitions[mode][from] {
		if s == to {
			return true
		}
	}
	return false
}
