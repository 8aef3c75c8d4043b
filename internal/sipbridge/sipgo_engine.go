package sipbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// requestTimeout bounds REGISTER, BYE and CANCEL transactions. INVITEs are
// bounded by the bridge invite timer instead.
const requestTimeout = 5 * time.Second

// sipClient is the part of sipgo.Client the engine uses.
type sipClient interface {
	request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
	write(req *sip.Request) error
}

type clientAdapter struct {
	c *sipgo.Client
}

func (a clientAdapter) request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return a.c.TransactionRequest(ctx, req)
}

func (a clientAdapter) write(req *sip.Request) error {
	return a.c.WriteRequest(req)
}

// SipgoEngine is the Engine backed by emiago/sipgo. It runs a UDP listener
// on the profile's SIP port for in-dialog requests.
type SipgoEngine struct {
	cfg      EngineConfig
	listener EngineListener
	client   sipClient
	notify   *notifier

	ua     *sipgo.UserAgent
	server *sipgo.Server
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        ManagerState
	contact      *Contact
	session      *MediaSession
	invite       *sip.Request
	callID       string
	localTag     string
	remoteTag    string
	remoteTarget *sip.Uri
	cseq         uint32
	regCallID    string
	regTag       string
	regCSeq      uint32
	regExpires   int
	authTries    int
}

var _ Engine = (*SipgoEngine)(nil)

// NewSipgoEngine creates the user agent and starts listening.
func NewSipgoEngine(cfg EngineConfig, l EngineListener) (Engine, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create SIP server: %w", err)
	}
	cli, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create SIP client: %w", err)
	}

	e := newEngine(cfg, l, clientAdapter{c: cli})
	e.ua = ua
	e.server = srv

	srv.OnRequest(sip.INVITE, e.onInvite)
	srv.OnRequest(sip.BYE, e.onBye)
	srv.OnRequest(sip.CANCEL, e.onCancel)
	srv.OnRequest(sip.ACK, func(*sip.Request, sip.ServerTransaction) {})

	addr := cfg.Profile.ListenAddr()
	go func() {
		if err := srv.ListenAndServe(e.ctx, "udp", addr); err != nil && e.ctx.Err() == nil {
			slog.Error("[SIP] Listener stopped", "addr", addr, "error", err)
			e.ForceState(StateError, err.Error())
		}
	}()
	slog.Info("[SIP] Engine started", "listen", addr, "profile", cfg.Profile.String())
	return e, nil
}

func newEngine(cfg EngineConfig, l EngineListener, c sipClient) *SipgoEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &SipgoEngine{
		cfg:       cfg,
		listener:  l,
		client:    c,
		notify:    newNotifier(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		regCallID: uuid.NewString(),
		regTag:    newTag(),
	}
}

func newTag() string {
	return uuid.NewString()[:8]
}

func (e *SipgoEngine) State() ManagerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *SipgoEngine) ForceState(s ManagerState, info string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStatusLocked(s, info)
}

// setStatusLocked notifies a state change. Repeated states are not
// re-emitted.
func (e *SipgoEngine) setStatusLocked(s ManagerState, info string) {
	if e.state == s {
		return
	}
	slog.Debug("[SIP] State changed", "from", e.state.String(), "to", s.String(), "info", info)
	e.state = s
	l := e.listener
	e.notify.post(func() { l.StatusChanged(s, info) })
}

func (e *SipgoEngine) callStatusLocked(msg string) {
	l := e.listener
	e.notify.post(func() { l.CallStatus(msg) })
}

func (e *SipgoEngine) sessionChangedLocked(sess *MediaSession) {
	l := e.listener
	e.notify.post(func() { l.SessionChanged(sess) })
}

func (e *SipgoEngine) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	p := e.cfg.Profile
	if p.IsLocal() {
		e.setStatusLocked(StateReady, "")
		e.mu.Unlock()
		return nil
	}
	e.authTries = 0
	e.regExpires = p.Expires
	req, err := e.buildRegisterLocked()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.setStatusLocked(StateRegistering, "")
	e.mu.Unlock()

	go e.run(e.ctx, req)
	return nil
}

func (e *SipgoEngine) Unregister(ctx context.Context) error {
	e.mu.Lock()
	if e.cfg.Profile.IsLocal() {
		e.setStatusLocked(StateIdle, "")
		e.mu.Unlock()
		return nil
	}
	e.authTries = 0
	e.regExpires = 0
	req, err := e.buildRegisterLocked()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.setStatusLocked(StateUnregistering, "")
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	e.run(ctx, req)
	return nil
}

func (e *SipgoEngine) SendInvite(ctx context.Context, target Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state.InviteInFlight() || e.state == StateEstablished {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("call already in progress (%s)", state)
	}
	e.contact = &target
	e.session = nil
	e.authTries = 0
	e.callID = uuid.NewString()
	e.localTag = newTag()
	e.remoteTag = ""
	e.remoteTarget = nil
	e.cseq = 0
	req, err := e.buildInviteLocked()
	if err != nil {
		e.contact = nil
		e.mu.Unlock()
		return err
	}
	e.invite = req
	e.setStatusLocked(StateCalling, "")
	e.callStatusLocked("Calling " + target.String())
	e.mu.Unlock()

	slog.Info("[SIP] INVITE sent", "call_id", e.callID, "target", target.String())
	go e.run(e.ctx, req)
	return nil
}

// EndCall sends BYE for an established call, otherwise CANCEL for any
// INVITE sent on this call, then resets. A forced TIMEOUT still cancels, so
// the remote side does not keep the INVITE pending.
func (e *SipgoEngine) EndCall(ctx context.Context) error {
	e.mu.Lock()
	if e.contact == nil {
		e.mu.Unlock()
		return nil
	}
	var req *sip.Request
	switch {
	case e.state == StateEstablished:
		req = e.buildByeLocked()
	case e.invite != nil:
		req = buildCancel(e.invite)
	}
	e.resetLocked()
	e.mu.Unlock()

	if req == nil {
		return nil
	}
	slog.Info("[SIP] Ending call", "method", req.Method.String())
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := e.transact(ctx, req); err != nil {
		return fmt.Errorf("send %s: %w", req.Method.String(), err)
	}
	return nil
}

func (e *SipgoEngine) Close() error {
	e.cancel()
	e.notify.close()
	if e.ua != nil {
		e.ua.Close()
	}
	return nil
}

// resetLocked drops the call and returns to IDLE.
func (e *SipgoEngine) resetLocked() {
	wasEstablished := e.state == StateEstablished
	e.contact = nil
	e.session = nil
	e.invite = nil
	e.authTries = 0
	e.remoteTag = ""
	e.remoteTarget = nil
	if wasEstablished {
		e.sessionChangedLocked(nil)
	}
	e.setStatusLocked(StateIdle, "")
}

// run drives req, and any authenticated retry of it, to a final response.
func (e *SipgoEngine) run(ctx context.Context, req *sip.Request) {
	for req != nil {
		next, err := e.transact(ctx, req)
		if err != nil {
			if ctx.Err() == nil {
				e.onTransactionError(req, err)
			}
			return
		}
		req = next
	}
}

var errNoResponse = errors.New("transaction ended without a final response")

// transact sends req and handles responses until a final one. It returns
// the request to send next when the response asked for credentials.
func (e *SipgoEngine) transact(ctx context.Context, req *sip.Request) (*sip.Request, error) {
	tx, err := e.client.request(ctx, req)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, errNoResponse
			}
			next := e.onResponse(req, resp)
			if resp.StatusCode >= 200 {
				return next, nil
			}
		case <-tx.Done():
			return nil, errNoResponse
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *SipgoEngine) onTransactionError(req *sip.Request, err error) {
	slog.Warn("[SIP] Transaction failed", "method", req.Method.String(), "error", err)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateRegistering, StateUnregistering, StateCalling, StateRinging:
		e.setStatusLocked(StateTimeout, err.Error())
	}
}

// onResponse maps a response onto the engine state. A 180 also runs the
// 200 handling so a ringing answer that carries SDP establishes the call.
func (e *SipgoEngine) onResponse(req *sip.Request, resp *sip.Response) *sip.Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	slog.Debug("[SIP] Response received",
		"method", req.Method.String(),
		"status", int(resp.StatusCode),
		"reason", resp.Reason,
		"state", e.state.String())

	switch resp.StatusCode {
	case sip.StatusRinging:
		if e.state == StateCalling {
			e.setStatusLocked(StateRinging, "")
		}
		fallthrough
	case sip.StatusOK:
		e.onSuccessLocked(req, resp)
	case sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
		return e.onChallengeLocked(req, resp)
	case sip.StatusNotFound:
		e.setStatusLocked(StateInvalid, resp.Reason)
	case sip.StatusTemporarilyUnavailable, sip.StatusInternalServerError:
		e.setStatusLocked(StateError, resp.Reason)
	case sip.StatusBusyHere:
		e.setStatusLocked(StateBusy, resp.Reason)
	case sip.StatusCode(603):
		e.setStatusLocked(StateDeclined, resp.Reason)
	}
	return nil
}

func (e *SipgoEngine) onSuccessLocked(req *sip.Request, resp *sip.Response) {
	switch {
	case e.state.InviteInFlight():
		if req.Method != sip.INVITE || len(resp.Body()) == 0 {
			return
		}
		tag, ok := toTag(resp)
		if !ok {
			return
		}
		sess, err := ParseAnswer(resp.Body())
		if err != nil {
			slog.Error("[SIP] Bad SDP answer", "call_id", e.callID, "error", err)
			e.setStatusLocked(StateError, err.Error())
			return
		}
		if e.contact != nil {
			sess.ToURI = e.contact.String()
		}
		e.session = sess
		e.remoteTag = tag
		if c := resp.Contact(); c != nil {
			target := c.Address
			e.remoteTarget = &target
		}
		if resp.StatusCode == sip.StatusOK {
			go e.sendACK(req, resp)
		}
		slog.Info("[SIP] Call established",
			"call_id", e.callID,
			"remote_addr", sess.RemoteAddr,
			"rtp_port", sess.RTPPort,
			"rtcp_port", sess.RTCPPort)
		e.setStatusLocked(StateEstablished, "")
		s := *sess
		e.sessionChangedLocked(&s)
	case e.state == StateRegistering:
		e.authTries = 0
		e.setStatusLocked(StateReady, "")
	case e.state == StateUnregistering:
		e.authTries = 0
		e.setStatusLocked(StateIdle, "")
	}
}

// onChallengeLocked builds the authenticated retry of req.
func (e *SipgoEngine) onChallengeLocked(req *sip.Request, resp *sip.Response) *sip.Request {
	var rebuild func() (*sip.Request, error)
	switch {
	case req.Method == sip.REGISTER && (e.state == StateRegistering || e.state == StateUnregistering):
		rebuild = e.buildRegisterLocked
	case req.Method == sip.INVITE && e.state.InviteInFlight():
		rebuild = e.buildInviteLocked
	default:
		return nil
	}
	if e.authTries >= maxAuthAttempts {
		e.setStatusLocked(StateError, "authentication rejected")
		return nil
	}
	e.authTries++

	p := e.cfg.Profile
	h, err := authorize(req, resp, p.Username, p.Password)
	if err != nil {
		slog.Warn("[SIP] Cannot answer challenge", "method", req.Method.String(), "error", err)
		e.setStatusLocked(StateError, err.Error())
		return nil
	}
	next, err := rebuild()
	if err != nil {
		e.setStatusLocked(StateError, err.Error())
		return nil
	}
	next.AppendHeader(h)
	if next.Method == sip.INVITE {
		e.invite = next
	}
	slog.Debug("[SIP] Retrying with credentials", "method", next.Method.String(), "status", int(resp.StatusCode))
	return next
}

func toTag(resp *sip.Response) (string, bool) {
	to := resp.To()
	if to == nil {
		return "", false
	}
	return to.Params.Get("tag")
}

func (e *SipgoEngine) localURI(host string) sip.Uri {
	p := e.cfg.Profile
	return sip.Uri{Scheme: "sip", User: p.User(), Host: host, Port: p.SIPPort}
}

func (e *SipgoEngine) contactURI() sip.Uri {
	return e.localURI(e.cfg.Profile.Host())
}

func (e *SipgoEngine) newRequest(method sip.RequestMethod, recipient, from, to sip.Uri, callID, fromTag, toTag string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", fromTag)
	req.AppendHeader(&sip.FromHeader{Address: from, Params: fromParams})

	toParams := sip.NewParams()
	if toTag != "" {
		toParams.Add("tag", toTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: to, Params: toParams})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI()})
	if e.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", e.cfg.UserAgent))
	}
	return req
}

// registrarURI parses the profile registrar as host[:port].
func (e *SipgoEngine) registrarURI() (sip.Uri, error) {
	reg := e.cfg.Profile.Registrar
	host, port := reg, 0
	if h, p, err := net.SplitHostPort(reg); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return sip.Uri{}, fmt.Errorf("registrar %q: bad port", reg)
		}
		host, port = h, n
	}
	if host == "" {
		return sip.Uri{}, fmt.Errorf("registrar %q: missing host", reg)
	}
	return sip.Uri{Scheme: "sip", Host: host, Port: port}, nil
}

func (e *SipgoEngine) buildRegisterLocked() (*sip.Request, error) {
	registrar, err := e.registrarURI()
	if err != nil {
		return nil, err
	}
	aor := e.localURI(registrar.Host)
	aor.Port = 0
	e.regCSeq++
	req := e.newRequest(sip.REGISTER, registrar, aor, aor, e.regCallID, e.regTag, "", e.regCSeq)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(e.regExpires)))
	return req, nil
}

func (e *SipgoEngine) buildInviteLocked() (*sip.Request, error) {
	if e.contact == nil {
		return nil, errors.New("no contact")
	}
	p := e.cfg.Profile
	offer, err := BuildOffer(p, uint64(time.Now().Unix()))
	if err != nil {
		return nil, err
	}
	target := e.contact.URI()
	e.cseq++
	req := e.newRequest(sip.INVITE, target, e.contactURI(), target, e.callID, e.localTag, "", e.cseq)
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(offer)
	return req, nil
}

func (e *SipgoEngine) buildByeLocked() *sip.Request {
	to := e.contact.URI()
	recipient := to
	if e.remoteTarget != nil {
		recipient = *e.remoteTarget
	}
	e.cseq++
	return e.newRequest(sip.BYE, recipient, e.contactURI(), to, e.callID, e.localTag, e.remoteTag, e.cseq)
}

// buildCancel mirrors the INVITE per RFC 3261 section 9.1.
func buildCancel(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

// sendACK acknowledges a 2xx outside the INVITE transaction.
func (e *SipgoEngine) sendACK(invite *sip.Request, resp *sip.Response) {
	recipient := invite.Recipient
	if c := resp.Contact(); c != nil {
		recipient = c.Address
	}
	ack := sip.NewRequest(sip.ACK, recipient)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if src := resp.Source(); src != "" {
		ack.SetDestination(src)
	}

	if err := e.client.write(ack); err != nil {
		slog.Error("[SIP] Failed to send ACK", "error", err)
		return
	}
	slog.Debug("[SIP] ACK sent", "recipient", recipient.String())
}

func respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[SIP] Failed to respond", "method", req.Method.String(), "status", int(code), "error", err)
	}
}

func requestCallID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func (e *SipgoEngine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.contact == nil || requestCallID(req) != e.callID {
		respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	respond(req, tx, sip.StatusOK, "OK")
	slog.Info("[SIP] BYE received", "call_id", e.callID)
	e.setStatusLocked(StateBye, "")
	e.resetLocked()
}

func (e *SipgoEngine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	respond(req, tx, sip.StatusOK, "OK")
	e.mu.Lock()
	defer e.mu.Unlock()
	slog.Info("[SIP] CANCEL received", "call_id", requestCallID(req))
	e.setStatusLocked(StateCanceled, "")
	e.resetLocked()
}

// onInvite rejects inbound calls; this endpoint only originates.
func (e *SipgoEngine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	from := ""
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	slog.Info("[SIP] Inbound INVITE rejected", "from", from)
	respond(req, tx, sip.StatusBusyHere, "Busy Here")
	e.mu.Lock()
	e.callStatusLocked("Incoming call from " + from + " rejected")
	e.mu.Unlock()
}

// notifier delivers listener callbacks on one goroutine, in order. Posting
// never blocks so callbacks may call back into the engine.
type notifier struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newNotifier() *notifier {
	n := &notifier{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
			n.mu.Lock()
			q := n.queue
			n.queue = nil
			n.mu.Unlock()
			for _, fn := range q {
				select {
				case <-n.done:
					return
				default:
				}
				fn()
			}
		}
	}
}

func (n *notifier) close() {
	n.once.Do(func() { close(n.done) })
}
