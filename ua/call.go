package ua

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/eddyslarez/sip-library-sub001/sip"
)

// CallState is the lifecycle state of one dialog.
type CallState string

const (
	CallIdle        CallState = "idle"
	CallCalling     CallState = "calling"
	CallRinging     CallState = "ringing"
	CallConnected   CallState = "connected"
	CallOnHold      CallState = "on_hold"
	CallTerminating CallState = "terminating"
	CallEnded       CallState = "ended"
	CallFailed      CallState = "failed"
)

const (
	callEvtMake        = "make_call"
	callEvtInvite      = "recv_invite"
	callEvtProvisional = "recv_180"
	callEvtAnswered    = "recv_2xx"
	callEvtAccept      = "accept"
	callEvtDecline     = "decline"
	callEvtCancelled   = "recv_cancel"
	callEvtAck         = "recv_ack"
	callEvtHold        = "hold"
	callEvtHoldOK      = "hold_2xx"
	callEvtResume      = "resume"
	callEvtResumeOK    = "resume_2xx"
	callEvtHangup      = "hangup"
	callEvtBye         = "recv_bye"
	callEvtEnded       = "terminated"
	callEvtFail        = "failure"
)

// Call is one dialog and its state machine. All methods must run on
// the engine worker.
type Call struct {
	env *env

	id        string // Call-ID
	inbound   bool
	localTag  string
	remoteTag string
	localURI  string
	remoteURI string
	// remoteTarget is the remote Contact URI, the request-URI for
	// in-dialog requests.
	remoteTarget string
	localSeq     uint32
	remoteSeq    uint32

	// auth answers challenges on outbound dialog requests. Nil for
	// inbound calls: we only send responses there until the dialog is
	// confirmed.
	auth *sip.Authorizer

	// invite is the pending INVITE for outbound calls, kept for CANCEL
	// and ACK construction. inviteReq is the inbound INVITE awaiting a
	// final response.
	invite    *sip.Message
	inviteReq *sip.Message

	cancelSent  bool
	ackReceived bool
	displayName string

	fsm *stateless.StateMachine
	log *slog.Logger
}

func newCall(env *env, id string) *Call {
	c := &Call{env: env, id: id, localTag: sip.GenerateTag()}
	c.log = env.log.With(slog.String("call_id", id))
	c.initFSM()
	return c
}

// newOutboundCall prepares a dialog towards target, using acc for the
// local identity and credentials.
func newOutboundCall(env *env, acc *Account, target string) *Call {
	c := newCall(env, sip.GenerateCallID())
	c.localURI = acc.aor
	c.remoteURI = target
	c.remoteTarget = target
	c.displayName = acc.cfg.DisplayName
	c.auth = &sip.Authorizer{Username: acc.cfg.Username, Password: acc.cfg.Password}
	return c
}

// newInboundCall prepares a dialog from a received INVITE.
func newInboundCall(env *env, req *sip.Message) *Call {
	id, _ := req.CallID()
	c := newCall(env, id)
	c.inbound = true
	c.inviteReq = req
	if from, ok := req.From(); ok {
		c.remoteURI = from.URI
		c.remoteTag = from.Tag()
		c.displayName = from.DisplayName
	}
	if to, ok := req.To(); ok {
		c.localURI = to.URI
	}
	if contact, ok := req.Contact(); ok {
		c.remoteTarget = contact.URI
	} else {
		c.remoteTarget = c.remoteURI
	}
	if cseq, ok := req.CSeq(); ok {
		c.remoteSeq = cseq.Seq
	}
	return c
}

func (c *Call) initFSM() {
	fsm := stateless.NewStateMachine(CallIdle)
	msgType := reflect.TypeOf((*sip.Message)(nil))
	fsm.SetTriggerParameters(callEvtProvisional, msgType)
	fsm.SetTriggerParameters(callEvtAnswered, msgType)
	fsm.SetTriggerParameters(callEvtHoldOK, msgType)
	fsm.SetTriggerParameters(callEvtResumeOK, msgType)
	fsm.SetTriggerParameters(callEvtBye, msgType)
	fsm.SetTriggerParameters(callEvtFail, reflect.TypeOf(""))

	fsm.Configure(CallIdle).
		Permit(callEvtMake, CallCalling).
		Permit(callEvtInvite, CallRinging)

	fsm.Configure(CallCalling).
		OnEntry(c.actSendInvite).
		Permit(callEvtProvisional, CallRinging).
		Permit(callEvtAnswered, CallConnected).
		Permit(callEvtHangup, CallTerminating).
		Permit(callEvtFail, CallFailed)

	fsm.Configure(CallRinging).
		OnEntryFrom(callEvtInvite, c.actInboundRinging).
		OnEntryFrom(callEvtProvisional, c.actOutboundRinging).
		InternalTransition(callEvtProvisional, c.actNoop).
		Permit(callEvtAnswered, CallConnected).
		Permit(callEvtAccept, CallConnected).
		Permit(callEvtDecline, CallEnded).
		Permit(callEvtCancelled, CallEnded).
		Permit(callEvtHangup, CallTerminating).
		Permit(callEvtBye, CallTerminating).
		Permit(callEvtFail, CallFailed)

	fsm.Configure(CallConnected).
		OnEntryFrom(callEvtAnswered, c.actAnswered).
		OnEntryFrom(callEvtAccept, c.actAccepted).
		OnEntryFrom(callEvtResumeOK, c.actResumed).
		InternalTransition(callEvtAck, c.actAckReceived).
		InternalTransition(callEvtHold, c.actSendHold).
		Permit(callEvtHoldOK, CallOnHold).
		Permit(callEvtHangup, CallTerminating).
		Permit(callEvtBye, CallTerminating).
		Permit(callEvtFail, CallFailed)

	fsm.Configure(CallOnHold).
		OnEntryFrom(callEvtHoldOK, c.actHeld).
		InternalTransition(callEvtResume, c.actSendResume).
		Permit(callEvtResumeOK, CallConnected).
		Permit(callEvtHangup, CallTerminating).
		Permit(callEvtBye, CallTerminating).
		Permit(callEvtFail, CallFailed)

	fsm.Configure(CallTerminating).
		OnEntryFrom(callEvtHangup, c.actHangup).
		OnEntryFrom(callEvtBye, c.actRemoteBye).
		InternalTransition(callEvtAnswered, c.actGlareAnswer).
		Permit(callEvtEnded, CallEnded).
		Permit(callEvtFail, CallFailed)

	fsm.Configure(CallEnded).
		OnEntryFrom(callEvtDecline, c.actDecline).
		OnEntry(c.actEnded)

	fsm.Configure(CallFailed).
		OnEntry(c.actFailed)

	fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		c.log.LogAttrs(ctx, slog.LevelWarn, "drop trigger",
			slog.Any("error", sip.ErrIllegalTransition),
			slog.Any("state", state), slog.Any("trigger", trigger))
		return nil
	})

	c.fsm = fsm
}

// ID returns the Call-ID.
func (c *Call) ID() string { return c.id }

// State returns the current call state.
func (c *Call) State() CallState {
	return c.fsm.MustState().(CallState)
}

// Terminal reports whether the call reached ended or failed.
func (c *Call) Terminal() bool {
	s := c.State()
	return s == CallEnded || s == CallFailed
}

// Start sends the initial INVITE of an outbound call.
func (c *Call) Start() { c.fire(callEvtMake) }

// Ring runs the inbound INVITE through the state machine.
func (c *Call) Ring() { c.fire(callEvtInvite) }

// Accept answers an inbound ringing call with 200.
func (c *Call) Accept() { c.fire(callEvtAccept) }

// Decline rejects an inbound ringing call with 603.
func (c *Call) Decline() { c.fire(callEvtDecline) }

// Hangup tears the call down: CANCEL while the outbound INVITE is
// pending, BYE once the dialog is confirmed.
func (c *Call) Hangup() {
	if c.inbound && c.State() == CallRinging {
		c.Decline()
		return
	}
	c.fire(callEvtHangup)
}

// Hold sends a re-INVITE marking the session send-only.
func (c *Call) Hold() { c.fire(callEvtHold) }

// Resume sends a re-INVITE restoring two-way media.
func (c *Call) Resume() { c.fire(callEvtResume) }

// TransportLost fails the call after the engine's grace period expired.
func (c *Call) TransportLost(reason string) { c.fire(callEvtFail, reason) }

func (c *Call) fire(trigger stateless.Trigger, args ...any) {
	if err := c.fsm.FireCtx(context.Background(), trigger, args...); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "call trigger failed",
			slog.Any("trigger", trigger), slog.Any("error", err))
	}
}

// --- outbound requests ---

// buildRequest builds an in-dialog request with the next local CSeq.
func (c *Call) buildRequest(method sip.RequestMethod) *sip.Message {
	req := sip.NewRequest(method, c.remoteTarget)
	c.localSeq++
	req.Headers.Set(sip.HdrVia, c.env.newVia())
	req.Headers.Set(sip.HdrMaxForwards, "70")
	from := sip.NameAddr{
		DisplayName: c.displayName,
		URI:         c.localURI,
		Params:      sip.Values{"tag": c.localTag},
	}
	req.Headers.Set(sip.HdrFrom, from.String())
	to := sip.NameAddr{URI: c.remoteURI, Params: sip.Values{}}
	if c.remoteTag != "" {
		to.Params.Set("tag", c.remoteTag)
	}
	req.Headers.Set(sip.HdrTo, to.String())
	req.Headers.Set(sip.HdrCallID, c.id)
	req.Headers.Set(sip.HdrCSeq, sip.CSeq{Seq: c.localSeq, Method: method}.String())
	req.Headers.Set(sip.HdrUserAgent, c.env.cfg.userAgent())
	return req
}

func (c *Call) buildInvite(dir mediaDirection) (*sip.Message, error) {
	req := c.buildRequest(sip.RequestMethodInvite)
	req.Headers.Set(sip.HdrContact, c.env.contact(localUser(c.localURI)))
	body, err := buildSessionDescription(c.env.cfg.sdpAddress(), c.env.cfg.sdpPort(), dir)
	if err != nil {
		return nil, err
	}
	req.SetBody(sdpContentType, body)
	return req, nil
}

// buildAck builds the ACK for a 2xx. It reuses the INVITE CSeq number
// with the ACK method and a fresh branch, forming its own transaction.
func (c *Call) buildAck(inviteCSeq uint32) *sip.Message {
	req := sip.NewRequest(sip.RequestMethodAck, c.remoteTarget)
	req.Headers.Set(sip.HdrVia, c.env.newVia())
	req.Headers.Set(sip.HdrMaxForwards, "70")
	from := sip.NameAddr{URI: c.localURI, Params: sip.Values{"tag": c.localTag}}
	req.Headers.Set(sip.HdrFrom, from.String())
	to := sip.NameAddr{URI: c.remoteURI, Params: sip.Values{}}
	if c.remoteTag != "" {
		to.Params.Set("tag", c.remoteTag)
	}
	req.Headers.Set(sip.HdrTo, to.String())
	req.Headers.Set(sip.HdrCallID, c.id)
	req.Headers.Set(sip.HdrCSeq, sip.CSeq{Seq: inviteCSeq, Method: sip.RequestMethodAck}.String())
	return req
}

// buildCancel builds the CANCEL for the pending INVITE. Same CSeq
// number and same Via branch as the INVITE (RFC 3261 section 9.1).
func (c *Call) buildCancel() *sip.Message {
	req := sip.NewRequest(sip.RequestMethodCancel, c.invite.RequestURI)
	for _, name := range []string{sip.HdrVia, sip.HdrFrom, sip.HdrTo, sip.HdrCallID, sip.HdrMaxForwards} {
		req.Headers.Set(name, c.invite.Headers.Get(name)...)
	}
	cseq, _ := c.invite.CSeq()
	req.Headers.Set(sip.HdrCSeq, sip.CSeq{Seq: cseq.Seq, Method: sip.RequestMethodCancel}.String())
	return req
}

// --- responses to in-dialog requests ---

func (c *Call) respond(req *sip.Message, status sip.ResponseStatus) *sip.Message {
	res := sip.NewResponse(req, status)
	if to, ok := res.To(); ok && to.Tag() == "" {
		to.Params.Set("tag", c.localTag)
		res.Headers.Set(sip.HdrTo, to.String())
	}
	return res
}

func (c *Call) sendResponse(req *sip.Message, status sip.ResponseStatus) {
	res := c.respond(req, status)
	if err := c.env.txm.SendStateless(context.Background(), res); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "send response",
			slog.Any("response", res), slog.Any("error", err))
	}
}

// --- actions ---

func (c *Call) actNoop(context.Context, ...any) error { return nil }

func (c *Call) actSendInvite(ctx context.Context, _ ...any) error {
	c.env.metrics.calls(1)
	c.emitState(CallCalling, "")
	req, err := c.buildInvite(directionSendRecv)
	if err != nil {
		c.fire(callEvtFail, err.Error())
		return nil
	}
	c.invite = req
	if _, err := c.env.txm.SendRequest(context.Background(), req, c.onInviteResponse); err != nil {
		c.fire(callEvtFail, err.Error())
	}
	return nil
}

// actOutboundRinging handles the 180: the To tag, if present, opens
// the early dialog.
func (c *Call) actOutboundRinging(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Message)
	if to, ok := res.To(); ok && to.Tag() != "" {
		c.remoteTag = to.Tag()
	}
	c.emitState(CallRinging, "")
	return nil
}

func (c *Call) actInboundRinging(ctx context.Context, _ ...any) error {
	c.env.metrics.calls(1)
	c.sendResponse(c.inviteReq, sip.ResponseStatusRinging)
	c.emitState(CallRinging, "")
	c.env.emit(IncomingCall{
		CallID:       c.id,
		CallerNumber: localUser(c.remoteURI),
		CallerName:   c.displayName,
	})
	return nil
}

// actAnswered handles the 2xx on the outbound INVITE: learn the remote
// tag and target, confirm with ACK.
func (c *Call) actAnswered(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Message)
	c.learnRemote(res)
	c.sendAck(res)
	c.invite = nil
	c.emitState(CallConnected, "")
	return nil
}

func (c *Call) actAccepted(ctx context.Context, _ ...any) error {
	res := c.respond(c.inviteReq, sip.ResponseStatusOK)
	res.Headers.Set(sip.HdrContact, c.env.contact(localUser(c.localURI)))
	body, err := buildSessionDescription(c.env.cfg.sdpAddress(), c.env.cfg.sdpPort(), directionSendRecv)
	if err == nil {
		res.SetBody(sdpContentType, body)
	}
	if err := c.env.txm.SendStateless(context.Background(), res); err != nil {
		c.fire(callEvtFail, err.Error())
		return nil
	}
	c.emitState(CallConnected, "")
	return nil
}

func (c *Call) actAckReceived(ctx context.Context, _ ...any) error {
	c.ackReceived = true
	return nil
}

func (c *Call) actSendHold(ctx context.Context, _ ...any) error {
	return c.sendReinvite(directionSendOnly, callEvtHoldOK)
}

func (c *Call) actSendResume(ctx context.Context, _ ...any) error {
	return c.sendReinvite(directionSendRecv, callEvtResumeOK)
}

func (c *Call) sendReinvite(dir mediaDirection, okEvt string) error {
	req, err := c.buildInvite(dir)
	if err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "build re-invite", slog.Any("error", err))
		return nil
	}
	_, err = c.env.txm.SendRequest(context.Background(), req, func(tx *sip.ClientTransaction, res *sip.Message, err error) {
		c.env.post(func() { c.onReinviteResponse(okEvt, res, err) })
	})
	if err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "send re-invite", slog.Any("error", err))
	}
	return nil
}

func (c *Call) onReinviteResponse(okEvt string, res *sip.Message, err error) {
	switch {
	case err != nil:
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "re-invite failed", slog.Any("error", err))
	case res.Status.IsProvisional():
		// ignore
	case res.Status.IsSuccessful():
		c.fire(okEvt, res)
	default:
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "re-invite rejected",
			slog.Any("response", res))
	}
}

func (c *Call) actHeld(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Message)
	c.learnRemote(res)
	c.sendAck(res)
	c.emitState(CallOnHold, "")
	return nil
}

func (c *Call) actResumed(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Message)
	c.learnRemote(res)
	c.sendAck(res)
	c.emitState(CallConnected, "")
	return nil
}

// actHangup tears down from the local side. With the INVITE still
// pending there is no dialog yet, so CANCEL goes out instead of BYE.
func (c *Call) actHangup(ctx context.Context, _ ...any) error {
	c.emitState(CallTerminating, "")
	if c.invite != nil {
		c.cancelSent = true
		cancel := c.buildCancel()
		if _, err := c.env.txm.SendRequest(context.Background(), cancel, c.onCancelResponse); err != nil {
			c.fire(callEvtFail, err.Error())
		}
		return nil
	}
	c.sendBye()
	return nil
}

func (c *Call) sendBye() {
	req := c.buildRequest(sip.RequestMethodBye)
	_, err := c.env.txm.SendRequest(context.Background(), req, func(tx *sip.ClientTransaction, res *sip.Message, err error) {
		if err == nil && res.Status.IsProvisional() {
			return
		}
		c.env.post(func() { c.fire(callEvtEnded) })
	})
	if err != nil {
		c.fire(callEvtFail, err.Error())
	}
}

func (c *Call) onCancelResponse(tx *sip.ClientTransaction, res *sip.Message, err error) {
	// completion comes from the 487 on the INVITE transaction; the 200
	// to CANCEL itself needs no action
	if err != nil {
		c.env.post(func() { c.fire(callEvtEnded) })
	}
}

// actGlareAnswer handles a 2xx that raced our CANCEL: the dialog got
// established anyway, so confirm it and tear it down with BYE.
func (c *Call) actGlareAnswer(ctx context.Context, args ...any) error {
	if !c.cancelSent {
		return nil
	}
	res := args[0].(*sip.Message)
	c.learnRemote(res)
	c.sendAck(res)
	c.invite = nil
	c.sendBye()
	return nil
}

func (c *Call) actRemoteBye(ctx context.Context, args ...any) error {
	req := args[0].(*sip.Message)
	c.emitState(CallTerminating, "")
	c.sendResponse(req, sip.ResponseStatusOK)
	c.fire(callEvtEnded)
	return nil
}

func (c *Call) actEnded(ctx context.Context, _ ...any) error {
	c.env.metrics.calls(-1)
	c.emitState(CallEnded, "")
	return nil
}

func (c *Call) actFailed(ctx context.Context, args ...any) error {
	reason := ""
	if len(args) > 0 {
		reason, _ = args[0].(string)
	}
	c.env.metrics.calls(-1)
	c.log.LogAttrs(ctx, slog.LevelWarn, "call failed", slog.String("reason", reason))
	c.emitState(CallFailed, reason)
	return nil
}

// --- response and request routing ---

func (c *Call) onInviteResponse(tx *sip.ClientTransaction, res *sip.Message, err error) {
	c.env.post(func() {
		switch {
		case err != nil:
			if errors.Is(err, sip.ErrTransactionTimeout) {
				c.env.metrics.transactionTimeout()
			}
			if c.State() == CallTerminating {
				c.fire(callEvtEnded)
			} else {
				c.fire(callEvtFail, err.Error())
			}
		case res.Status == sip.ResponseStatusRinging:
			c.fire(callEvtProvisional, res)
		case res.Status.IsProvisional():
			// 100/183 keep the transaction alive, no state change
		case res.Status.IsAuthChallenge():
			c.retryInviteAuth(tx, res)
		case res.Status.IsSuccessful():
			c.fire(callEvtAnswered, res)
		case c.State() == CallTerminating:
			// 487 confirming our CANCEL, or any other final while
			// tearing down
			c.fire(callEvtEnded)
		default:
			c.fire(callEvtFail, res.Status.String()+" "+res.Status.ReasonPhrase())
		}
	})
}

func (c *Call) retryInviteAuth(tx *sip.ClientTransaction, res *sip.Message) {
	if c.auth == nil {
		c.fire(callEvtFail, sip.ErrAuthenticationFailed.Error())
		return
	}
	req := tx.Request()
	if err := c.auth.AuthorizeRequest(req, res); err != nil {
		c.fire(callEvtFail, err.Error())
		return
	}
	if cseq, ok := req.CSeq(); ok {
		c.localSeq = cseq.Seq
	}
	if _, err := c.env.txm.SendRequest(context.Background(), req, c.onInviteResponse); err != nil {
		c.fire(callEvtFail, err.Error())
	}
}

// handleRequest routes an in-dialog request received from the peer.
// Runs on the engine worker.
func (c *Call) handleRequest(req *sip.Message) {
	if cseq, ok := req.CSeq(); ok && req.Method != sip.RequestMethodAck {
		if cseq.Seq < c.remoteSeq {
			c.sendResponse(req, sip.ResponseStatusServerInternalError)
			return
		}
		c.remoteSeq = cseq.Seq
	}
	switch {
	case req.Method.Equal(sip.RequestMethodAck):
		c.fire(callEvtAck)
	case req.Method.Equal(sip.RequestMethodBye):
		c.fire(callEvtBye, req)
	case req.Method.Equal(sip.RequestMethodCancel):
		c.handleCancel(req)
	case req.Method.Equal(sip.RequestMethodInfo):
		// in-dialog INFO from the peer, acknowledge only
		c.sendResponse(req, sip.ResponseStatusOK)
	case req.Method.Equal(sip.RequestMethodInvite):
		c.handleReinvite(req)
	default:
		c.sendResponse(req, sip.ResponseStatusMethodNotAllowed)
	}
}

// handleReinvite answers a peer re-INVITE. The local call state does
// not track the remote hold flag; media handling is the application's
// concern, signaling just keeps the dialog alive.
func (c *Call) handleReinvite(req *sip.Message) {
	if s := c.State(); s != CallConnected && s != CallOnHold {
		c.sendResponse(req, sip.ResponseStatusCallDoesNotExist)
		return
	}
	if sessionOnHold(req.Body) {
		c.log.LogAttrs(context.Background(), slog.LevelInfo, "remote hold")
	}
	res := c.respond(req, sip.ResponseStatusOK)
	res.Headers.Set(sip.HdrContact, c.env.contact(localUser(c.localURI)))
	dir := directionSendRecv
	if c.State() == CallOnHold {
		dir = directionSendOnly
	}
	if body, err := buildSessionDescription(c.env.cfg.sdpAddress(), c.env.cfg.sdpPort(), dir); err == nil {
		res.SetBody(sdpContentType, body)
	}
	if err := c.env.txm.SendStateless(context.Background(), res); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "answer re-invite", slog.Any("error", err))
	}
}

// handleCancel answers a CANCEL of our unanswered inbound INVITE: 200
// to the CANCEL, 487 to the INVITE.
func (c *Call) handleCancel(req *sip.Message) {
	if !c.inbound || c.State() != CallRinging {
		c.sendResponse(req, sip.ResponseStatusCallDoesNotExist)
		return
	}
	c.sendResponse(req, sip.ResponseStatusOK)
	c.sendResponse(c.inviteReq, sip.ResponseStatusRequestTerminated)
	c.fire(callEvtCancelled)
}

// actDecline sends the final rejection before the Ended entry action
// emits the state change.
func (c *Call) actDecline(ctx context.Context, _ ...any) error {
	c.sendResponse(c.inviteReq, sip.ResponseStatusDecline)
	return nil
}

// SendDTMF sends one digit as an INFO dtmf-relay request. The result
// is reported through the event sink, never through call state.
func (c *Call) SendDTMF(digit string, duration time.Duration) {
	if s := c.State(); s != CallConnected && s != CallOnHold {
		c.env.emit(DtmfResult{CallID: c.id, Digit: digit, Success: false})
		return
	}
	req := c.buildRequest(sip.RequestMethodInfo)
	body := "Signal=" + digit + "\r\nDuration=" + strconv.Itoa(int(duration.Milliseconds())) + "\r\n"
	req.SetBody("application/dtmf-relay", []byte(body))
	_, err := c.env.txm.SendRequest(context.Background(), req, func(tx *sip.ClientTransaction, res *sip.Message, err error) {
		if err == nil && res.Status.IsProvisional() {
			return
		}
		ok := err == nil && res.Status.IsSuccessful()
		c.env.post(func() {
			c.env.emit(DtmfResult{CallID: c.id, Digit: digit, Success: ok})
		})
	})
	if err != nil {
		c.env.emit(DtmfResult{CallID: c.id, Digit: digit, Success: false})
	}
}

func (c *Call) learnRemote(res *sip.Message) {
	if to, ok := res.To(); ok && to.Tag() != "" {
		c.remoteTag = to.Tag()
	}
	if contact, ok := res.Contact(); ok && contact.URI != "" {
		c.remoteTarget = contact.URI
	}
}

func (c *Call) sendAck(res *sip.Message) {
	cseq, ok := res.CSeq()
	if !ok {
		return
	}
	ack := c.buildAck(cseq.Seq)
	if err := c.env.txm.SendStateless(context.Background(), ack); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelWarn, "send ack", slog.Any("error", err))
	}
}

func (c *Call) emitState(state CallState, reason string) {
	c.env.emit(CallStateChanged{CallID: c.id, State: state, Reason: reason})
}

// localUser extracts the user part of a sip: URI for Contact building
// and caller display.
func localUser(uri string) string {
	s := uri
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return s
}
