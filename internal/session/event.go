package session

import "fmt"

// Event is a user-visible session event delivered through
// Callback.ProcessState.
type Event int

const (
	EventRegistering Event = iota
	EventOnHook
	EventOffHook
	EventCall
	EventCalling
	EventConnected
	EventConnectionLost
	EventConnectFailed
	EventCallEnded
	EventCancelCall
	EventOnline
	EventOffline
	EventQueued
	EventWaiting
	EventError
	EventData
	EventDataFirst
	EventDataMacro
	EventDataCaption
	EventInProgress
	EventCommand
	EventSIPRemote
	EventSIPLocal
	EventTest
	EventAnswer
	EventIgnore
	EventWaitingForIncomingCall
	EventStartCaptions
	EventSessionCallActive
	EventSessionCallEnd
	EventSessionSIPEstablished
	EventSessionSIPRestart
	EventSessionSIPStop
	EventSessionSIPFailed
)

var eventNames = [...]string{
	EventRegistering:            "REGISTERING",
	EventOnHook:                 "ONHOOK",
	EventOffHook:                "OFFHOOK",
	EventCall:                   "CALL",
	EventCalling:                "CALLING",
	EventConnected:              "CONNECTED",
	EventConnectionLost:         "CONNECTION_LOST",
	EventConnectFailed:          "CONNECT_FAILED",
	EventCallEnded:              "CALL_ENDED",
	EventCancelCall:             "CANCEL_CALL",
	EventOnline:                 "ONLINE",
	EventOffline:                "OFFLINE",
	EventQueued:                 "QUEUED",
	EventWaiting:                "WAITING",
	EventError:                  "ERROR",
	EventData:                   "DATA",
	EventDataFirst:              "DATA_FIRST",
	EventDataMacro:              "DATA_MACRO",
	EventDataCaption:            "DATA_CAPTION",
	EventInProgress:             "INPROGRESS",
	EventCommand:                "COMMAND",
	EventSIPRemote:              "SIPREMOTE",
	EventSIPLocal:               "SIPLOCAL",
	EventTest:                   "TEST",
	EventAnswer:                 "ANSWER",
	EventIgnore:                 "IGNORE",
	EventWaitingForIncomingCall: "WAITING_FOR_INCOMING_CALL",
	EventStartCaptions:          "START_CAPTIONS",
	EventSessionCallActive:      "SESSION_CALL_ACTIVE",
	EventSessionCallEnd:         "SESSION_CALL_END",
	EventSessionSIPEstablished:  "SESSION_SIP_ESTABLISHED",
	EventSessionSIPRestart:      "SESSION_SIP_RESTART",
	EventSessionSIPStop:         "SESSION_SIP_STOP",
	EventSessionSIPFailed:       "SESSION_SIP_FAILED",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Unknown(%d)", int(e))
}

// IsTerminal reports whether the event ends the session.
func (e Event) IsTerminal() bool {
	return e == EventCallEnded || e == EventConnectFailed
}
