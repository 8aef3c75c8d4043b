package session

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/captionrelay/internal/wire"
)

// inboundHandler handles one token family. It returns true when the packet
// ended the session and nothing after it may run.
type inboundHandler func(c *Controller, p wire.Packet) (stop bool)

// inboundHandlers run in order on every packet; several may fire for one
// packet. Dispatch stops once a handler ends the session.
var inboundHandlers = []inboundHandler{
	(*Controller).handleServerError,
	(*Controller).handlePollData,
	(*Controller).handleResume,
	(*Controller).handleRegReturn,
	(*Controller).handleRelayStart,
	(*Controller).handleSwitchOp,
	(*Controller).handleStatusUpdate,
	(*Controller).handleStateChange,
	(*Controller).handleSendText,
	(*Controller).handleSendCommand,
	(*Controller).handleSIPSession,
	(*Controller).handleStopRelay,
	(*Controller).handleTestCall,
	(*Controller).handleEndTestCall,
}

func (c *Controller) dispatch(text string) {
	p := wire.Parse(text)
	c.obs.PacketIn(packetKind(p))
	slog.Debug("[Session] Packet received", "packet", text, "session_id", c.sessionID)
	c.logEvent(text, false)

	if p.Has("KEEPALIVE") {
		c.armWAN()
		return
	}

	live := c.m.current() != StateCallEnded
	for _, h := range inboundHandlers {
		if h(c, p) {
			return
		}
		if live && c.m.current() == StateCallEnded {
			return
		}
	}
}

// packetKind names a packet for metrics: its method, else its first key.
func packetKind(p wire.Packet) string {
	if m := p.Method(); m != "" {
		return strings.ToLower(m)
	}
	if p.Has("KEEPALIVE") {
		return "keepalive"
	}
	if keys := p.Keys(); len(keys) > 0 {
		return strings.ToLower(keys[0])
	}
	return "empty"
}

// code parses a numeric status token. Malformed values count as 0.
func code(p wire.Packet, key string) int {
	v, _ := p.Get(key)
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("[Session] Malformed numeric token, using 0", "key", key, "value", v)
		return 0
	}
	return n
}

func (c *Controller) handleServerError(p wire.Packet) bool {
	errCode, ok := p.Get("ERRCODE")
	if !ok {
		return false
	}
	msg, ok := p.Get("ERRMSG")
	if !ok {
		msg, ok = p.Get("ERRMESSAGE")
	}
	if ok {
		c.reportError(errCode, msg)
	}
	return false
}

func (c *Controller) handlePollData(p wire.Packet) bool {
	if !p.Has("POLLDATA=") && !p.Has("||ERRCODE=PROTOCOL ERROR") && !p.Has("EXCHANGEDATA=") {
		return false
	}
	if st, ok := p.Get("STATE"); ok {
		c.handleStateToken(p, st)
	}
	if msg, ok := p.Get("ERRMSG"); ok {
		c.report(EventError, msg)
	}
	return false
}

// handleStateToken applies a STATE= value carried by poll and relay
// responses.
func (c *Controller) handleStateToken(p wire.Packet, state string) {
	upper := strings.ToUpper(state)
	switch {
	case strings.HasPrefix(upper, "ONLINE"):
		c.inCall = true
		c.m.fire(evOnline)
		if c.firstContact == 0 {
			c.firstContact = 1
			c.report(EventOnline, "")
		}
		if text, ok := p.Get("RECEIVEDTEXT"); ok {
			c.report(EventData, wire.Reassemble(text))
		}
	case strings.HasPrefix(upper, "QUEUED"):
		c.m.fire(evQueued)
		if c.waitFirstTime {
			c.report(EventQueued, c.msgs.Queued)
		}
		c.waitFirstTime = false
	case strings.HasPrefix(upper, "DISCONNECTED"):
		c.endCall()
		c.report(EventOffline, "")
	}
}

func (c *Controller) handleResume(p wire.Packet) bool {
	if !p.Has("RESUME=") {
		return false
	}
	slog.Info("[Session] Resume requested but disabled", "session_id", c.sessionID)
	c.shutdown(EventCallEnded, c.msgs.ResumeDisabled)
	return true
}

func (c *Controller) handleRegReturn(p wire.Packet) bool {
	if _, ok := p.Get("REGRETURN"); !ok {
		return false
	}
	rc := code(p, "REGRETURN")
	if p.Has("POLLING=0") {
		c.dontPoll = true
	}

	id, hasID := p.Get("MYID")
	if rc != 1 || !hasID {
		c.shutdown(EventCallEnded, p.Value("ERRMESSAGE"))
		return true
	}

	c.sessionID = id
	if lvl, ok := p.Int("LOG"); ok {
		c.logLevel = lvl
	}
	if secs, ok := p.Int("RETRYINTERVAL"); ok {
		c.retryInterval = time.Duration(secs) * time.Second
	}
	c.m.fire(evRegistered)
	c.registered = true
	slog.Info("[Session] Registered",
		"session_id", id,
		"log_level", c.logLevel,
		"retry_interval_ms", c.retryInterval.Milliseconds())
	c.report(EventOnHook, "")
	c.initiateCall()
	return false
}

// initiateCall places the relay once registered.
func (c *Controller) initiateCall() {
	c.m.fire(evPlace)
	c.report(EventCalling, c.msgs.PlacingCall)
	c.send(wire.StartRelay(c.fields()))
}

func (c *Controller) handleRelayStart(p wire.Packet) bool {
	if _, ok := p.Get("RELAYSTART"); !ok {
		return false
	}
	rc := code(p, "RELAYSTART")

	if st, ok := p.Get("STATE"); ok {
		c.handleStateToken(p, st)
	}
	if id, ok := p.Get("MYID"); ok {
		c.sessionID = id
	}

	if rc <= 0 {
		c.shutdown(EventCallEnded, p.Value("ERRMESSAGE"))
		return true
	}

	c.sendPoll()
	c.m.fire(evAnswered)
	c.report(EventConnected, c.msgs.CallAnswered)
	c.armWAN()
	return false
}

// sendPoll requests pending state unless the service disabled polling.
func (c *Controller) sendPoll() {
	if c.dontPoll {
		return
	}
	first := c.firstPoll
	c.firstPoll = false
	opContact := c.firstContact == 1
	if opContact {
		c.firstContact = 2
	}
	c.send(wire.PollData(c.fields(), first, opContact))
}

func (c *Controller) handleSwitchOp(p wire.Packet) bool {
	if !p.IsMethod("switchOp") {
		return false
	}
	if id, ok := p.Get("SESSIONID"); ok {
		c.sessionID = id
	}
	if op, ok := p.Get("OPID"); ok {
		c.opID = op
		c.report(EventOnline, op)
	}
	return false
}

func (c *Controller) handleStatusUpdate(p wire.Packet) bool {
	if !p.IsMethod("statusUpdate") {
		return false
	}
	ev := EventIgnore
	switch strings.ToUpper(p.Value("TYPE")) {
	case "FIRSTCAPTION":
		ev = EventDataFirst
	case "INPROGRESS":
		ev = EventInProgress
	}
	c.report(ev, p.Value("MESSAGE"))
	return false
}

func (c *Controller) handleStateChange(p wire.Packet) bool {
	if !p.IsMethod("StateChange") {
		return false
	}
	delayOnline := false
	if op, ok := p.Get("OP"); ok {
		c.opID = op
	}
	if n, ok := p.Get("OPNUMBER"); ok {
		c.report(EventCommand, "AGENT="+n)
	}
	if n, ok := p.Get("OPNUMBER2"); ok {
		c.report(EventCommand, "AGENT2="+n)
	}
	if uri, ok := p.Get("SIPREMOTE"); ok {
		c.m.fire(evSIPOffer)
		c.report(EventSIPRemote, uri)
		delayOnline = true
	}
	if uri, ok := p.Get("SIPLOCAL"); ok {
		c.report(EventSIPLocal, uri)
		delayOnline = true
	}

	switch strings.ToUpper(p.Value("STATE")) {
	case "ONLINE":
		c.inCall = true
		if !delayOnline && c.firstContact == 0 {
			c.firstContact = 1
			c.m.fire(evOnline)
			c.report(EventOnline, c.opID)
		}
	case "QUEUED":
		c.m.fire(evQueued)
		c.report(EventWaiting, c.opID)
	}
	return false
}

func (c *Controller) handleSendText(p wire.Packet) bool {
	if !p.IsMethod("sendText") {
		return false
	}
	text, ok := p.Get("TEXT")
	if !ok {
		return false
	}
	ev := EventData
	switch strings.ToUpper(p.Value("TYPE")) {
	case "MACRO":
		ev = EventDataMacro
	case "REVOICED":
		ev = EventDataCaption
	}
	c.report(ev, text)
	return false
}

func (c *Controller) handleSendCommand(p wire.Packet) bool {
	if !p.IsMethod("sendCommand") {
		return false
	}
	c.report(EventCommand, p.Value("TYPE")+wire.Separator+p.Raw("VOLUME"))
	return false
}

func (c *Controller) handleSIPSession(p wire.Packet) bool {
	sipURIs := func() string {
		return p.Raw("SIPLOCAL") + wire.Separator + p.Raw("SIPREMOTE")
	}
	switch {
	case p.IsMethod("startSIPSession"):
		c.report(EventSessionSIPEstablished, sipURIs())
	case p.IsMethod("restartSIPSession"):
		c.report(EventSessionSIPRestart, sipURIs())
	case p.IsMethod("stopSIPSession"):
		c.report(EventSessionSIPStop, "")
	}
	return false
}

func (c *Controller) handleStopRelay(p wire.Packet) bool {
	if !p.Has("STOPRELAY=") {
		return false
	}
	c.inCall = false
	c.shutdown(EventCallEnded, "")
	return true
}

func (c *Controller) handleTestCall(p wire.Packet) bool {
	if !p.IsMethod("TestCall") {
		return false
	}
	if uri, ok := p.Get("SIPDIAL"); ok {
		c.report(EventSIPRemote, uri)
	}
	return false
}

func (c *Controller) handleEndTestCall(p wire.Packet) bool {
	if !p.IsMethod("EndTestCall") {
		return false
	}
	c.inCall = false
	c.shutdown(EventCallEnded, "")
	return true
}
