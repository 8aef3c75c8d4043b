package sipbridge

import "fmt"

// ManagerState is the SIP engine state reported to its listener.
type ManagerState int

const (
	StateIdle ManagerState = iota
	StateRegistering
	StateUnregistering
	StateReady
	StateRinging
	StateCalling
	StateEstablished
	StateIncoming
	StateTimeout
	StateError
	StateBusy
	StateDeclined
	StateInvalid
	StateCanceled
	StateBye
)

var managerStateNames = [...]string{
	StateIdle:          "IDLE",
	StateRegistering:   "REGISTERING",
	StateUnregistering: "UNREGISTERING",
	StateReady:         "READY",
	StateRinging:       "RINGING",
	StateCalling:       "CALLING",
	StateEstablished:   "ESTABLISHED",
	StateIncoming:      "INCOMING",
	StateTimeout:       "TIMEOUT",
	StateError:         "ERROR",
	StateBusy:          "BUSY",
	StateDeclined:      "DECLINED",
	StateInvalid:       "INVALID",
	StateCanceled:      "CANCELED",
	StateBye:           "BYE",
}

func (s ManagerState) String() string {
	if s >= 0 && int(s) < len(managerStateNames) {
		return managerStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// InviteInFlight reports whether an INVITE has been sent without a final
// answer.
func (s ManagerState) InviteInFlight() bool {
	return s == StateCalling || s == StateRinging
}
