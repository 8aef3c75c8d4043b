// Package wire builds and parses the caption service command packets.
//
// A command is a sequence of key=value fields joined by "||" and introduced
// by myMethod=<Name>:
//
//	myMethod=StartRelay||myID=ABC123||number=5551234
//
// On the socket transport every command is terminated by a single null
// byte. WebSocket messages are framed by the protocol and carry no
// terminator.
package wire

import "strings"

// Separator joins the fields of a command.
const Separator = "||"

// Fields carries the session values referenced by the outbound builders.
// Every field defaults to the empty string; builders never fail.
type Fields struct {
	SessionID      string
	UserID         string
	DeviceID       string
	DeviceType     string
	PushToken      string
	OverrideToken  string
	UserAgent      string
	CallType       string
	Enterprise     string
	CallGroup      string
	IP             string
	DeviceCaps     string
	Number         string
	CallbackNumber string
	Instructions   string
}

// inboundCallType is the fixed call type reported when accepting or
// declining an inbound call.
const inboundCallType = "125"

type command struct {
	sb strings.Builder
}

func method(name string) *command {
	c := &command{}
	c.sb.WriteString("myMethod=")
	c.sb.WriteString(name)
	return c
}

func (c *command) field(key, value string) *command {
	c.sb.WriteString(Separator)
	c.sb.WriteString(key)
	c.sb.WriteByte('=')
	c.sb.WriteString(value)
	return c
}

func (c *command) String() string {
	return c.sb.String()
}

// Register asks the service for a session id. The trailing separator is
// part of the command.
func Register(f Fields) string {
	s := method("Register").
		field("userAgent", f.UserAgent).
		field("callType", f.CallType).
		field("myUID", f.UserID).
		field("deviceID", f.DeviceID).
		field("deviceToken", f.PushToken).
		field("useEncryption", "0").
		field("enterprise", f.Enterprise).
		String() + Separator
	if f.CallGroup != "" {
		s += "callGroup=" + f.CallGroup + Separator
	}
	return s
}

func relayFields(c *command, f Fields) *command {
	return c.
		field("number", f.Number).
		field("callbacknumber", f.CallbackNumber).
		field("instructions", f.Instructions).
		field("userAgent", f.UserAgent).
		field("callType", f.CallType).
		field("myUID", f.UserID).
		field("deviceID", f.DeviceID).
		field("myIP", f.IP).
		field("deviceCaps", f.DeviceCaps)
}

// StartRelay places the call once the session is registered.
func StartRelay(f Fields) string {
	c := method("StartRelay").
		field("myID", f.SessionID).
		field("preferredLanguage", "English")
	return relayFields(c, f).String()
}

// EasyStartRelay is the single-shot variant used by stateless clients. It
// carries the call group when one is configured.
func EasyStartRelay(f Fields) string {
	s := StartRelay(f)
	if f.CallGroup != "" {
		s += Separator + "callGroup=" + f.CallGroup
	}
	return s
}

// UpdateCall resends the call parameters for an active relay.
func UpdateCall(f Fields) string {
	return relayFields(method("UpdateCall").field("myID", f.SessionID), f).String()
}

// StopRelay hangs up the relay.
func StopRelay(f Fields) string {
	return method("StopRelay").field("myID", f.SessionID).String()
}

// PollData requests pending state. firstPoll and firstOpContact append the
// one-time markers the service uses to detect a fresh call.
func PollData(f Fields, firstPoll, firstOpContact bool) string {
	c := method("PollData").field("myID", f.SessionID)
	if firstPoll {
		c.field("firstPoll", "1")
	}
	if firstOpContact {
		c.field("firstOpContact", "1")
	}
	return c.String()
}

func KeepAlive(f Fields) string {
	return method("KeepAlive").field("myID", f.SessionID).String()
}

// ExchangeData sends free text to the captioner.
func ExchangeData(f Fields, text string) string {
	return method("ExchangeData").field("myID", f.SessionID).field("myText", text).String()
}

func StatusUpdate(f Fields, status, message string) string {
	return method("statusUpdate").
		field("myID", f.SessionID).
		field("status", status).
		field("message", message).
		String()
}

func DeclineInboundCall(f Fields) string {
	return inboundCall("DeclineInboundCall", f)
}

func AcceptInboundCall(f Fields) string {
	return inboundCall("AcceptInboundCall", f)
}

func inboundCall(name string, f Fields) string {
	return method(name).
		field("sessionID", f.SessionID).
		field("deviceID", f.DeviceID).
		field("userAgent", f.UserAgent).
		field("myUID", f.UserID).
		field("callType", inboundCallType).
		String()
}

// AnswerCall accepts a pushed call. The override token wins over the push
// token when set.
func AnswerCall(f Fields) string {
	device := f.PushToken
	if f.OverrideToken != "" {
		device = f.OverrideToken
	}
	return method("answerCall").
		field("fromBook", f.CallType).
		field("myID", f.SessionID).
		field("deviceID", device).
		String()
}

func IgnoreCall(f Fields) string {
	return method("ignoreCall").
		field("fromBook", f.CallType).
		field("myID", f.SessionID).
		field("deviceID", f.PushToken).
		String()
}

func StartCaptions(f Fields) string {
	return method("StartCaptions").
		field("myID", f.SessionID).
		field("userAgent", f.UserAgent).
		field("callType", f.CallType).
		field("myUID", f.UserID).
		field("deviceID", f.DeviceID).
		field("myIP", f.IP).
		field("deviceCaps", f.DeviceCaps).
		String()
}

// TestCall starts a test session. The user id is deliberately sent empty.
func TestCall(f Fields) string {
	return method("TestCall").
		field("myID", f.SessionID).
		field("userAgent", f.UserAgent).
		field("callType", f.CallType).
		field("myUID", "").
		field("deviceID", f.DeviceID).
		field("myIP", f.IP).
		field("deviceCaps", f.DeviceCaps).
		String()
}

func EndTestCall() string {
	return method("EndTestCall").String()
}

// CallActive and the other ATA commands report the state of a call handled
// by an analog telephone adapter.
func CallActive(f Fields) string {
	return ataCommand("CallActive", f).
		field("deviceCaps", f.DeviceCaps).
		field("callType", f.CallType).
		field("number", f.Number).
		String()
}

func CallEnd(f Fields) string {
	return ataCommand("CallEnd", f).String()
}

func SIPActive(f Fields) string {
	return ataCommand("SIPActive", f).field("number", f.Number).String()
}

func SIPRestart(f Fields) string {
	return ataCommand("SIPRestart", f).String()
}

func SIPFailed(f Fields) string {
	return ataCommand("SIPFailed", f).String()
}

func ataCommand(name string, f Fields) *command {
	return method(name).
		field("deviceType", f.DeviceType).
		field("deviceID", f.DeviceID).
		field("myIP", f.IP)
}

// LogEvent ships a trace line to the service log.
func LogEvent(f Fields, trace string) string {
	return method("logEvent").
		field("myID", f.SessionID).
		field("userAgent", f.UserAgent).
		field("callType", f.CallType).
		field("myUID", "").
		field("deviceID", f.DeviceID).
		field("myIP", f.IP).
		field("deviceCaps", f.DeviceCaps).
		field("trace", trace).
		String()
}

// MethodOf returns the myMethod value of an outbound command.
func MethodOf(cmd string) string {
	const prefix = "myMethod="
	if !strings.HasPrefix(cmd, prefix) {
		return ""
	}
	rest := cmd[len(prefix):]
	if i := strings.Index(rest, Separator); i >= 0 {
		return rest[:i]
	}
	return rest
}
