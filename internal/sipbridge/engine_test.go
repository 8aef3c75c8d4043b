package sipbridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	sent    []*sip.Request
	written []*sip.Request
	failErr error
}

// request records req. With failErr set it fails at once, otherwise it
// blocks until ctx ends like a transaction that never gets an answer.
func (f *fakeClient) request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	err := f.failErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeClient) write(req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, req)
	return nil
}

func (f *fakeClient) requests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.sent...)
}

func (f *fakeClient) writes() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.written...)
}

type recordingListener struct {
	mu       sync.Mutex
	states   []ManagerState
	infos    []string
	calls    []string
	sessions []*MediaSession
}

func (r *recordingListener) StatusChanged(s ManagerState, info string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.infos = append(r.infos, info)
}

func (r *recordingListener) CallStatus(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msg)
}

func (r *recordingListener) SessionChanged(sess *MediaSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sess)
}

func (r *recordingListener) seen() []ManagerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ManagerState(nil), r.states...)
}

func (r *recordingListener) sessionEvents() []*MediaSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MediaSession(nil), r.sessions...)
}

func (r *recordingListener) waitFor(t *testing.T, want ...ManagerState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, r.seen())
	}, time.Second, 5*time.Millisecond, "states: %v", r.seen())
}

func newTestEngine(t *testing.T, registrar string) (*SipgoEngine, *fakeClient, *recordingListener) {
	t.Helper()
	p := testProfile()
	p.Registrar = registrar
	p.Username = "dev-1"
	p.Password = "secret"
	l := &recordingListener{}
	c := &fakeClient{}
	e := newEngine(EngineConfig{Profile: p, UserAgent: "captionrelay-test"}, l, c)
	t.Cleanup(func() { e.Close() })
	return e, c, l
}

var target = Contact{User: "relay", Host: "203.0.113.7", Port: 5060}

func answer(code sip.StatusCode, reason, tag string, body string) *sip.Response {
	resp := sip.NewResponse(code, reason)
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	resp.AppendHeader(&sip.ToHeader{Address: target.URI(), Params: params})
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "relay", Host: "203.0.113.8", Port: 5070}})
	if body != "" {
		resp.SetBody([]byte(body))
	}
	return resp
}

func TestRegisterLocalProfileIsReady(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.Register(t.Context()))
	l.waitFor(t, StateReady)
	assert.Empty(t, c.requests())

	require.NoError(t, e.Unregister(t.Context()))
	l.waitFor(t, StateReady, StateIdle)
}

func TestRegisterSendsRegister(t *testing.T) {
	e, c, l := newTestEngine(t, "registrar.example.com:5080")
	require.NoError(t, e.Register(t.Context()))
	l.waitFor(t, StateRegistering)

	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)
	req := c.requests()[0]
	assert.Equal(t, sip.REGISTER, req.Method)
	assert.Equal(t, "registrar.example.com", req.Recipient.Host)
	assert.Equal(t, 5080, req.Recipient.Port)
	require.NotNil(t, req.GetHeader("Expires"))
	assert.Equal(t, "3600", req.GetHeader("Expires").Value())

	e.onResponse(req, sip.NewResponse(sip.StatusOK, "OK"))
	l.waitFor(t, StateRegistering, StateReady)
}

func TestRegisterTransportFailureTimesOut(t *testing.T) {
	e, c, l := newTestEngine(t, "registrar.example.com")
	c.failErr = errors.New("network unreachable")
	require.NoError(t, e.Register(t.Context()))
	l.waitFor(t, StateRegistering, StateTimeout)
}

func TestInviteCarriesOffer(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	l.waitFor(t, StateCalling)

	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)
	req := c.requests()[0]
	assert.Equal(t, sip.INVITE, req.Method)
	assert.Equal(t, "relay", req.Recipient.User)
	assert.Contains(t, string(req.Body()), "m=audio 5071 RTP/AVP 0 3 8")
	require.NotNil(t, req.GetHeader("Content-Type"))
	assert.Equal(t, "application/sdp", req.GetHeader("Content-Type").Value())
	require.NotNil(t, req.CallID())

	err := e.SendInvite(t.Context(), target)
	assert.Error(t, err, "second invite while calling")
}

func TestInviteAnswered(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)
	invite := c.requests()[0]

	e.onResponse(invite, answer(sip.StatusRinging, "Ringing", "", ""))
	e.onResponse(invite, answer(sip.StatusOK, "OK", "remote-tag", answerSDP))
	l.waitFor(t, StateCalling, StateRinging, StateEstablished)

	require.Eventually(t, func() bool { return len(l.sessionEvents()) == 1 }, time.Second, 5*time.Millisecond)
	sess := l.sessionEvents()[0]
	require.NotNil(t, sess)
	assert.Equal(t, "203.0.113.7", sess.RemoteAddr)
	assert.Equal(t, 40000, sess.RTPPort)
	assert.Equal(t, target.String(), sess.ToURI)

	require.Eventually(t, func() bool { return len(c.writes()) == 1 }, time.Second, 5*time.Millisecond)
	ack := c.writes()[0]
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, "203.0.113.8", ack.Recipient.Host, "ACK goes to the answer's Contact")
}

func TestRingingWithSDPEstablishesWithoutACK(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)

	e.onResponse(c.requests()[0], answer(sip.StatusRinging, "Ringing", "early", answerSDP))
	l.waitFor(t, StateCalling, StateRinging, StateEstablished)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.writes())
}

func TestAnswerWithoutTagIsIgnored(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)

	e.onResponse(c.requests()[0], answer(sip.StatusOK, "OK", "", answerSDP))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []ManagerState{StateCalling}, l.seen())
}

func TestFailureResponses(t *testing.T) {
	tests := []struct {
		code sip.StatusCode
		want ManagerState
	}{
		{sip.StatusNotFound, StateInvalid},
		{sip.StatusTemporarilyUnavailable, StateError},
		{sip.StatusInternalServerError, StateError},
		{sip.StatusBusyHere, StateBusy},
		{sip.StatusCode(603), StateDeclined},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			e, c, l := newTestEngine(t, "")
			require.NoError(t, e.SendInvite(t.Context(), target))
			require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)

			e.onResponse(c.requests()[0], answer(tt.code, "nope", "t", ""))
			l.waitFor(t, StateCalling, tt.want)
		})
	}
}

const challenge = `Digest realm="example.com", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", algorithm=MD5`

func TestChallengeRetriedOnce(t *testing.T) {
	e, c, l := newTestEngine(t, "registrar.example.com")
	require.NoError(t, e.Register(t.Context()))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)
	first := c.requests()[0]

	resp := sip.NewResponse(sip.StatusUnauthorized, "Unauthorized")
	resp.AppendHeader(sip.NewHeader("WWW-Authenticate", challenge))

	retry := e.onResponse(first, resp)
	require.NotNil(t, retry)
	assert.Equal(t, sip.REGISTER, retry.Method)
	auth := retry.GetHeader("Authorization")
	require.NotNil(t, auth)
	assert.True(t, strings.HasPrefix(auth.Value(), "Digest "))
	assert.Contains(t, auth.Value(), `username="dev-1"`)
	assert.Greater(t, retry.CSeq().SeqNo, first.CSeq().SeqNo)
	assert.Equal(t, first.CallID().Value(), retry.CallID().Value())

	assert.Nil(t, e.onResponse(retry, resp))
	l.waitFor(t, StateRegistering, StateError)
}

func TestProxyChallengeOnInvite(t *testing.T) {
	e, c, _ := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)

	resp := sip.NewResponse(sip.StatusProxyAuthRequired, "Proxy Authentication Required")
	resp.AppendHeader(sip.NewHeader("Proxy-Authenticate", challenge))

	retry := e.onResponse(c.requests()[0], resp)
	require.NotNil(t, retry)
	assert.Equal(t, sip.INVITE, retry.Method)
	assert.NotNil(t, retry.GetHeader("Proxy-Authorization"))
	assert.NotEmpty(t, retry.Body())
}

func TestEndCallSendsByeAndResets(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)
	e.onResponse(c.requests()[0], answer(sip.StatusOK, "OK", "remote-tag", answerSDP))
	l.waitFor(t, StateCalling, StateEstablished)

	c.mu.Lock()
	c.failErr = errors.New("no route")
	c.mu.Unlock()
	err := e.EndCall(t.Context())
	assert.Error(t, err)

	reqs := c.requests()
	require.Len(t, reqs, 2)
	bye := reqs[1]
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, "203.0.113.8", bye.Recipient.Host)
	tag, ok := bye.To().Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, "remote-tag", tag)

	l.waitFor(t, StateCalling, StateEstablished, StateIdle)
	require.Eventually(t, func() bool { return len(l.sessionEvents()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, l.sessionEvents()[1])
}

func TestEndCallWhileCallingCancels(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)
	invite := c.requests()[0]

	c.mu.Lock()
	c.failErr = errors.New("no route")
	c.mu.Unlock()
	_ = e.EndCall(t.Context())

	reqs := c.requests()
	require.Len(t, reqs, 2)
	cancel := reqs[1]
	assert.Equal(t, sip.CANCEL, cancel.Method)
	assert.Equal(t, invite.CallID().Value(), cancel.CallID().Value())
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	l.waitFor(t, StateCalling, StateIdle)
	assert.Empty(t, l.sessionEvents())
}

func TestEndCallAfterInviteTimeoutCancels(t *testing.T) {
	e, c, l := newTestEngine(t, "")
	require.NoError(t, e.SendInvite(t.Context(), target))
	require.Eventually(t, func() bool { return len(c.requests()) == 1 }, time.Second, 5*time.Millisecond)
	invite := c.requests()[0]

	e.ForceState(StateTimeout, "SIP invite response timed out")
	l.waitFor(t, StateCalling, StateTimeout)

	c.mu.Lock()
	c.failErr = errors.New("no route")
	c.mu.Unlock()
	_ = e.EndCall(t.Context())

	reqs := c.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, sip.CANCEL, reqs[1].Method)
	assert.Equal(t, invite.CallID().Value(), reqs[1].CallID().Value())
	l.waitFor(t, StateCalling, StateTimeout, StateIdle)
}

func TestEndCallWithoutCallIsNoop(t *testing.T) {
	e, c, _ := newTestEngine(t, "")
	assert.NoError(t, e.EndCall(t.Context()))
	assert.Empty(t, c.requests())
}

func TestForceStateDeduplicates(t *testing.T) {
	e, _, l := newTestEngine(t, "")
	e.ForceState(StateTimeout, "late")
	e.ForceState(StateTimeout, "late")
	e.ForceState(StateIdle, "")
	l.waitFor(t, StateTimeout, StateIdle)
	assert.Equal(t, StateIdle, e.State())
}

func TestNotifierAllowsReentry(t *testing.T) {
	n := newNotifier()
	defer n.close()

	done := make(chan int, 3)
	n.post(func() {
		done <- 1
		n.post(func() { done <- 3 })
		done <- 2
	})
	for want := 1; want <= 3; want++ {
		select {
		case got := <-done:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}
}
