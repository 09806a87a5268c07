package ua

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/eddyslarez/sip-library-sub001/sip"
)

func newTestOutboundCall(t *testing.T, e *env) *Call {
	t.Helper()
	acc := newAccount(e, AccountConfig{Username: "alice", Password: "secret", DisplayName: "Alice"})
	return newOutboundCall(e, acc, "sip:bob@example.com")
}

func inboundInvite(t *testing.T, remoteTag string) *sip.Message {
	t.Helper()
	req := sip.NewRequest(sip.RequestMethodInvite, "sip:alice@client.invalid")
	req.Headers.Set(sip.HdrVia, "SIP/2.0/WS server.example.com;branch=z9hG4bK.in1")
	req.Headers.Set(sip.HdrFrom, `"Bob" <sip:bob@example.com>;tag=`+remoteTag)
	req.Headers.Set(sip.HdrTo, "<sip:alice@example.com>")
	req.Headers.Set(sip.HdrCallID, "in-call-1")
	req.Headers.Set(sip.HdrCSeq, "10 INVITE")
	req.Headers.Set(sip.HdrContact, "<sip:bob@server.example.com>")
	return req
}

func TestCall_OutboundFlow(t *testing.T) {
	t.Parallel()

	e, wire, events := newTestEnv(t)
	c := newTestOutboundCall(t, e)

	c.Start()
	if got, want := c.State(), CallCalling; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	invite := wire.at(t, 0)
	if !invite.Method.Equal(sip.RequestMethodInvite) {
		t.Fatalf("invite.Method = %q, want INVITE", invite.Method)
	}
	if ct, _ := invite.ContentType(); ct != "application/sdp" {
		t.Errorf("invite Content-Type = %q, want application/sdp", ct)
	}
	if !strings.Contains(string(invite.Body), "a=sendrecv") {
		t.Errorf("invite body = %q, want a=sendrecv", invite.Body)
	}

	deliver(t, e, answer(invite, sip.ResponseStatusRinging, "b1"))
	if got, want := c.State(), CallRinging; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	ok := answer(invite, sip.ResponseStatusOK, "b1")
	ok.Headers.Set(sip.HdrContact, "<sip:bob@server.example.com>")
	deliver(t, e, ok)
	if got, want := c.State(), CallConnected; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	ack := wire.lastRequest(t, sip.RequestMethodAck)
	if cseq, _ := ack.CSeq(); cseq.Seq != 1 || cseq.Method != sip.RequestMethodAck {
		t.Errorf("ack CSeq = %+v, want 1 ACK", cseq)
	}
	if got, want := ack.RequestURI, "sip:bob@server.example.com"; got != want {
		t.Errorf("ack.RequestURI = %q, want remote contact %q", got, want)
	}

	// hold: state only moves once the re-INVITE is answered
	c.Hold()
	if got, want := c.State(), CallConnected; got != want {
		t.Fatalf("c.State() = %q during pending hold, want %q", got, want)
	}
	hold := wire.lastRequest(t, sip.RequestMethodInvite)
	if !strings.Contains(string(hold.Body), "a=sendonly") {
		t.Errorf("hold body = %q, want a=sendonly", hold.Body)
	}
	deliver(t, e, answer(hold, sip.ResponseStatusOK, "b1"))
	if got, want := c.State(), CallOnHold; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	c.Resume()
	resume := wire.lastRequest(t, sip.RequestMethodInvite)
	if !strings.Contains(string(resume.Body), "a=sendrecv") {
		t.Errorf("resume body = %q, want a=sendrecv", resume.Body)
	}
	deliver(t, e, answer(resume, sip.ResponseStatusOK, "b1"))
	if got, want := c.State(), CallConnected; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	c.Hangup()
	bye := wire.lastRequest(t, sip.RequestMethodBye)
	if to, _ := bye.To(); to.Tag() != "b1" {
		t.Errorf("bye To tag = %q, want b1", to.Tag())
	}

	// a 100 on the BYE transaction does not end the call
	deliver(t, e, answer(bye, sip.ResponseStatusTrying, "b1"))
	if got, want := c.State(), CallTerminating; got != want {
		t.Fatalf("c.State() after 100 to BYE = %q, want %q", got, want)
	}

	deliver(t, e, answer(bye, sip.ResponseStatusOK, "b1"))
	if got, want := c.State(), CallEnded; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}

	want := []CallState{
		CallCalling, CallRinging, CallConnected, CallOnHold,
		CallConnected, CallTerminating, CallEnded,
	}
	if diff := cmp.Diff(events.callStates(), want); diff != "" {
		t.Errorf("call states diff (-got +want):\n%v", diff)
	}
}

func TestCall_OutboundRejected(t *testing.T) {
	t.Parallel()

	e, wire, events := newTestEnv(t)
	c := newTestOutboundCall(t, e)

	c.Start()
	deliver(t, e, answer(wire.at(t, 0), sip.ResponseStatusBusyHere, "b1"))

	if got, want := c.State(), CallFailed; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	var last CallStateChanged
	for _, ev := range events.all() {
		if st, ok := ev.(CallStateChanged); ok {
			last = st
		}
	}
	if !strings.Contains(last.Reason, "Busy Here") {
		t.Errorf("failure reason = %q, want Busy Here", last.Reason)
	}
}

// hangup before any response must cancel, not bye; a 200 racing the
// CANCEL is confirmed and immediately torn down
func TestCall_GlareHangup(t *testing.T) {
	t.Parallel()

	e, wire, _ := newTestEnv(t)
	c := newTestOutboundCall(t, e)

	c.Start()
	invite := wire.at(t, 0)

	c.Hangup()
	if got, want := c.State(), CallTerminating; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	cancel := wire.at(t, 1)
	if !cancel.Method.Equal(sip.RequestMethodCancel) {
		t.Fatalf("second send = %q, want CANCEL (not BYE)", cancel.Method)
	}
	inviteVia, _ := invite.TopVia()
	cancelVia, _ := cancel.TopVia()
	if inviteVia.Branch() != cancelVia.Branch() {
		t.Errorf("cancel branch = %q, want the INVITE branch %q", cancelVia.Branch(), inviteVia.Branch())
	}
	if cseq, _ := cancel.CSeq(); cseq.Seq != 1 || cseq.Method != sip.RequestMethodCancel {
		t.Errorf("cancel CSeq = %+v, want 1 CANCEL", cseq)
	}

	// the 200 won the race: expect ACK then BYE
	ok := answer(invite, sip.ResponseStatusOK, "b1")
	ok.Headers.Set(sip.HdrContact, "<sip:bob@server.example.com>")
	deliver(t, e, ok)

	wire.lastRequest(t, sip.RequestMethodAck)
	bye := wire.lastRequest(t, sip.RequestMethodBye)
	deliver(t, e, answer(bye, sip.ResponseStatusOK, "b1"))

	if got, want := c.State(), CallEnded; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
}

func TestCall_CancelConfirmedBy487(t *testing.T) {
	t.Parallel()

	e, wire, _ := newTestEnv(t)
	c := newTestOutboundCall(t, e)

	c.Start()
	invite := wire.at(t, 0)
	c.Hangup()

	deliver(t, e, answer(invite, sip.ResponseStatusRequestTerminated, "b1"))
	if got, want := c.State(), CallEnded; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
}

func TestCall_InboundAcceptHoldBye(t *testing.T) {
	t.Parallel()

	e, wire, events := newTestEnv(t)
	c := newInboundCall(e, inboundInvite(t, "bob1"))

	c.Ring()
	if got, want := c.State(), CallRinging; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	ringing := wire.at(t, 0)
	if ringing.Status != sip.ResponseStatusRinging {
		t.Fatalf("first send status = %d, want 180", ringing.Status)
	}
	if to, _ := ringing.To(); to.Tag() == "" {
		t.Error("180 without local To tag")
	}

	var incoming *IncomingCall
	for _, ev := range events.all() {
		if ic, ok := ev.(IncomingCall); ok {
			incoming = &ic
		}
	}
	if incoming == nil {
		t.Fatal("no IncomingCall event")
	}
	if incoming.CallerNumber != "bob" || incoming.CallerName != "Bob" {
		t.Errorf("IncomingCall = %+v, want caller bob/Bob", incoming)
	}

	c.Accept()
	if got, want := c.State(), CallConnected; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	ok := wire.at(t, 1)
	if ok.Status != sip.ResponseStatusOK {
		t.Fatalf("accept status = %d, want 200", ok.Status)
	}
	if ct, _ := ok.ContentType(); ct != "application/sdp" {
		t.Errorf("accept Content-Type = %q, want application/sdp", ct)
	}

	// ACK confirms, then the peer hangs up
	ackReq := sip.NewRequest(sip.RequestMethodAck, "sip:alice@client.invalid")
	ackReq.Headers.Set(sip.HdrVia, "SIP/2.0/WS server.example.com;branch=z9hG4bK.in2")
	ackReq.Headers.Set(sip.HdrFrom, "<sip:bob@example.com>;tag=bob1")
	ackReq.Headers.Set(sip.HdrTo, "<sip:alice@example.com>;tag="+c.localTag)
	ackReq.Headers.Set(sip.HdrCallID, "in-call-1")
	ackReq.Headers.Set(sip.HdrCSeq, "10 ACK")
	c.handleRequest(ackReq)
	if !c.ackReceived {
		t.Error("c.ackReceived = false after ACK")
	}

	bye := sip.NewRequest(sip.RequestMethodBye, "sip:alice@client.invalid")
	bye.Headers.Set(sip.HdrVia, "SIP/2.0/WS server.example.com;branch=z9hG4bK.in3")
	bye.Headers.Set(sip.HdrFrom, "<sip:bob@example.com>;tag=bob1")
	bye.Headers.Set(sip.HdrTo, "<sip:alice@example.com>;tag="+c.localTag)
	bye.Headers.Set(sip.HdrCallID, "in-call-1")
	bye.Headers.Set(sip.HdrCSeq, "11 BYE")
	c.handleRequest(bye)

	if got, want := c.State(), CallEnded; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	byeOK := wire.last(t)
	if !byeOK.IsResponse() || byeOK.Status != sip.ResponseStatusOK {
		t.Errorf("bye answer = %v, want a 200", byeOK)
	}
}

func TestCall_InboundDecline(t *testing.T) {
	t.Parallel()

	e, wire, _ := newTestEnv(t)
	c := newInboundCall(e, inboundInvite(t, "bob1"))

	c.Ring()
	c.Decline()

	if got, want := c.State(), CallEnded; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	decline := wire.last(t)
	if decline.Status != sip.ResponseStatusDecline {
		t.Errorf("decline status = %d, want 603", decline.Status)
	}
}

func TestCall_InboundCancelled(t *testing.T) {
	t.Parallel()

	e, wire, _ := newTestEnv(t)
	c := newInboundCall(e, inboundInvite(t, "bob1"))
	c.Ring()

	cancel := sip.NewRequest(sip.RequestMethodCancel, "sip:alice@client.invalid")
	cancel.Headers.Set(sip.HdrVia, "SIP/2.0/WS server.example.com;branch=z9hG4bK.in1")
	cancel.Headers.Set(sip.HdrFrom, "<sip:bob@example.com>;tag=bob1")
	cancel.Headers.Set(sip.HdrTo, "<sip:alice@example.com>")
	cancel.Headers.Set(sip.HdrCallID, "in-call-1")
	cancel.Headers.Set(sip.HdrCSeq, "10 CANCEL")
	c.handleRequest(cancel)

	if got, want := c.State(), CallEnded; got != want {
		t.Fatalf("c.State() = %q, want %q", got, want)
	}
	// 200 to the CANCEL, then 487 to the INVITE
	cancelOK := wire.at(t, 1)
	if cancelOK.Status != sip.ResponseStatusOK {
		t.Errorf("cancel answer status = %d, want 200", cancelOK.Status)
	}
	if cseq, _ := cancelOK.CSeq(); cseq.Method != sip.RequestMethodCancel {
		t.Errorf("cancel answer CSeq method = %q, want CANCEL", cseq.Method)
	}
	terminated := wire.at(t, 2)
	if terminated.Status != sip.ResponseStatusRequestTerminated {
		t.Errorf("invite answer status = %d, want 487", terminated.Status)
	}
}

func TestCall_DTMF(t *testing.T) {
	t.Parallel()

	e, wire, events := newTestEnv(t)
	c := newTestOutboundCall(t, e)

	// not connected yet: reported as failed, no INFO sent
	c.SendDTMF("5", 160*time.Millisecond)
	if wire.count() != 0 {
		t.Fatalf("wire.count() = %d, want 0 before connect", wire.count())
	}

	c.Start()
	invite := wire.at(t, 0)
	ok := answer(invite, sip.ResponseStatusOK, "b1")
	ok.Headers.Set(sip.HdrContact, "<sip:bob@server.example.com>")
	deliver(t, e, ok)

	c.SendDTMF("5", 160*time.Millisecond)
	info := wire.lastRequest(t, sip.RequestMethodInfo)
	if ct, _ := info.ContentType(); ct != "application/dtmf-relay" {
		t.Errorf("info Content-Type = %q, want application/dtmf-relay", ct)
	}
	body := string(info.Body)
	if !strings.Contains(body, "Signal=5") || !strings.Contains(body, "Duration=160") {
		t.Errorf("info body = %q, want Signal=5 and Duration=160", body)
	}

	// a provisional on the INFO transaction is not an outcome
	deliver(t, e, answer(info, sip.ResponseStatusTrying, "b1"))
	deliver(t, e, answer(info, sip.ResponseStatusOK, "b1"))

	var results []DtmfResult
	for _, ev := range events.all() {
		if r, ok := ev.(DtmfResult); ok {
			results = append(results, r)
		}
	}
	want := []DtmfResult{
		{CallID: c.ID(), Digit: "5", Success: false},
		{CallID: c.ID(), Digit: "5", Success: true},
	}
	if diff := cmp.Diff(results, want); diff != "" {
		t.Errorf("dtmf results diff (-got +want):\n%v", diff)
	}

	// call state untouched by the INFO exchange
	if got, want := c.State(), CallConnected; got != want {
		t.Errorf("c.State() = %q, want %q", got, want)
	}
}
