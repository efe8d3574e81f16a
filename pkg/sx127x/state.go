package sx127x

import "fmt"

// State is the operating mode the driver last put the radio in.
type State uint8

const (
	StateSleep State = iota
	StateStandby
	StateFreqSynthTx
	StateTx
	StateFreqSynthRx
	StateRxSingle
	StateRxContinuous
)

var stateNames = [...]string{"Sleep", "Standby", "FreqSynthTx", "Tx", "FreqSynthRx", "RxSingle", "RxContinuous"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) modeBits() uint8 {
	switch s {
	case StateStandby:
		return modeStandby
	case StateFreqSynthTx:
		return modeFreqSynthTx
	case StateTx:
		return modeTx
	case StateFreqSynthRx:
		return modeFreqSynthRx
	case StateRxSingle:
		return modeRxSingle
	case StateRxContinuous:
		return modeRxContinuous
	default:
		return modeSleep
	}
}

func stateFromMode(bits uint8) (State, bool) {
	switch bits & opModeMask {
	case modeSleep:
		return StateSleep, true
	case modeStandby:
		return StateStandby, true
	case modeFreqSynthTx:
		return StateFreqSynthTx, true
	case modeTx:
		return StateTx, true
	case modeFreqSynthRx:
		return StateFreqSynthRx, true
	case modeRxSingle:
		return StateRxSingle, true
	case modeRxContinuous:
		return StateRxContinuous, true
	}
	return 0, false
}

// transitions lists the states reachable from each state. Sleep is always
// reachable and handled separately.
var transitions = map[State][]State{
	StateSleep:        {StateStandby},
	StateStandby:      {StateFreqSynthTx, StateTx, StateFreqSynthRx, StateRxSingle, StateRxContinuous},
	StateFreqSynthTx:  {StateTx, StateStandby},
	StateTx:           {StateStandby},
	StateFreqSynthRx:  {StateRxSingle, StateRxContinuous, StateStandby},
	StateRxSingle:     {StateStandby},
	StateRxContinuous: {StateStandby},
}

// CanTransition reports whether the driver allows moving from s to next.
func (s State) CanTransition(next State) bool {
	if next == StateSleep || next == s {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// configurable reports whether modem parameters may be written in s.
func (s State) configurable() bool {
	return s == StateSleep || s == StateStandby
}
