package ua

import (
	"context"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/eddyslarez/sip-library-sub001/internal/timeutil"
	"github.com/eddyslarez/sip-library-sub001/sip"
)

// RegistrationState is the lifecycle state of one account binding.
type RegistrationState string

const (
	RegistrationNone          RegistrationState = "none"
	RegistrationRegistering   RegistrationState = "registering"
	RegistrationRegistered    RegistrationState = "registered"
	RegistrationRefreshing    RegistrationState = "refreshing"
	RegistrationUnregistering RegistrationState = "unregistering"
	RegistrationUnregistered  RegistrationState = "unregistered"
	RegistrationFailed        RegistrationState = "failed"
)

const (
	regEvtRegister   = "register"
	regEvtRefresh    = "timer_refresh"
	regEvtUnregister = "unregister"
	regEvtOK         = "recv_2xx"
	regEvtFail       = "failure"
)

// Account tracks the registration binding for one (username, domain)
// pair. All methods must run on the engine worker.
type Account struct {
	env *env
	cfg AccountConfig

	key string // user@domain
	aor string // sip:user@domain

	auth    sip.Authorizer
	callID  string
	cseq    uint32
	fromTag string

	// expires granted by the registrar, seconds
	expires int
	bound   bool
	// wanted tracks whether the application asked for this account to
	// stay registered. Engine-owned, drives re-registration after a
	// reconnect.
	wanted bool
	refresh   *timeutil.Timer
	refreshIn time.Duration

	fsm *stateless.StateMachine
	log *slog.Logger
}

func newAccount(env *env, cfg AccountConfig) *Account {
	a := &Account{
		env:     env,
		cfg:     cfg,
		key:     cfg.Key(env.cfg.Domain),
		aor:     cfg.URI(env.cfg.Domain),
		auth:    sip.Authorizer{Username: cfg.Username, Password: cfg.Password},
		callID:  sip.GenerateCallID(),
		fromTag: sip.GenerateTag(),
	}
	a.log = env.log.With(slog.String("account", a.key))
	a.initFSM()
	return a
}

func (a *Account) initFSM() {
	fsm := stateless.NewStateMachine(RegistrationNone)
	fsm.SetTriggerParameters(regEvtOK, reflect.TypeOf((*sip.Message)(nil)))
	fsm.SetTriggerParameters(regEvtFail, reflect.TypeOf(""))

	fsm.Configure(RegistrationNone).
		Permit(regEvtRegister, RegistrationRegistering)

	fsm.Configure(RegistrationRegistering).
		OnEntry(a.actSendRegister).
		Permit(regEvtOK, RegistrationRegistered).
		Permit(regEvtFail, RegistrationFailed)

	fsm.Configure(RegistrationRegistered).
		OnEntry(a.actRegistered).
		Permit(regEvtRefresh, RegistrationRefreshing).
		Permit(regEvtUnregister, RegistrationUnregistering).
		Permit(regEvtFail, RegistrationFailed)

	fsm.Configure(RegistrationRefreshing).
		OnEntry(a.actSendRegister).
		Permit(regEvtOK, RegistrationRegistered).
		Permit(regEvtUnregister, RegistrationUnregistering).
		Permit(regEvtFail, RegistrationFailed)

	fsm.Configure(RegistrationUnregistering).
		OnEntry(a.actSendUnregister).
		Permit(regEvtOK, RegistrationUnregistered).
		Permit(regEvtFail, RegistrationFailed)

	fsm.Configure(RegistrationUnregistered).
		OnEntry(a.actUnregistered).
		Permit(regEvtRegister, RegistrationRegistering)

	fsm.Configure(RegistrationFailed).
		OnEntry(a.actFailed).
		Permit(regEvtRegister, RegistrationRegistering)

	fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		a.log.LogAttrs(ctx, slog.LevelWarn, "drop trigger",
			slog.Any("error", sip.ErrIllegalTransition),
			slog.Any("state", state), slog.Any("trigger", trigger))
		return nil
	})

	a.fsm = fsm
}

// Key returns the user@domain account key.
func (a *Account) Key() string { return a.key }

// State returns the current registration state.
func (a *Account) State() RegistrationState {
	return a.fsm.MustState().(RegistrationState)
}

// Register starts or restarts registration.
func (a *Account) Register() { a.fire(regEvtRegister) }

// Unregister sends a zero-expiry REGISTER releasing the binding.
func (a *Account) Unregister() { a.fire(regEvtUnregister) }

// TransportLost moves the account to failed. The server-side binding
// cannot be trusted to survive the connection.
func (a *Account) TransportLost(reason string) {
	a.fire(regEvtFail, reason)
}

// Reregister restarts registration on a fresh connection. The Call-ID
// and CSeq restart because the old registration dialog died with the
// transport.
func (a *Account) Reregister() {
	a.callID = sip.GenerateCallID()
	a.cseq = 0
	a.fire(regEvtRegister)
}

func (a *Account) stop() {
	a.refresh.Stop()
}

func (a *Account) fire(trigger stateless.Trigger, args ...any) {
	if err := a.fsm.FireCtx(context.Background(), trigger, args...); err != nil {
		a.log.LogAttrs(context.Background(), slog.LevelWarn, "registration trigger failed",
			slog.Any("trigger", trigger), slog.Any("error", err))
	}
}

func (a *Account) buildRegister(expires int) *sip.Message {
	req := sip.NewRequest(sip.RequestMethodRegister, "sip:"+a.domain())
	a.cseq++
	req.Headers.Set(sip.HdrVia, a.env.newVia())
	req.Headers.Set(sip.HdrMaxForwards, "70")
	from := sip.NameAddr{
		DisplayName: a.cfg.DisplayName,
		URI:         a.aor,
		Params:      sip.Values{"tag": a.fromTag},
	}
	req.Headers.Set(sip.HdrFrom, from.String())
	req.Headers.Set(sip.HdrTo, sip.NameAddr{URI: a.aor}.String())
	req.Headers.Set(sip.HdrCallID, a.callID)
	req.Headers.Set(sip.HdrCSeq, sip.CSeq{Seq: a.cseq, Method: sip.RequestMethodRegister}.String())
	req.Headers.Set(sip.HdrContact, a.env.contact(a.cfg.Username))
	req.Headers.Set(sip.HdrExpires, strconv.Itoa(expires))
	req.Headers.Set(sip.HdrUserAgent, a.env.cfg.userAgent())
	return req
}

func (a *Account) domain() string {
	if a.cfg.Domain != "" {
		return a.cfg.Domain
	}
	return a.env.cfg.Domain
}

func (a *Account) sendRegister(expires int) error {
	req := a.buildRegister(expires)
	_, err := a.env.txm.SendRequest(context.Background(), req, a.onResponse)
	return err
}

// onResponse runs on a transport or timer goroutine and reposts onto
// the engine worker.
func (a *Account) onResponse(tx *sip.ClientTransaction, res *sip.Message, err error) {
	a.env.post(func() {
		switch {
		case err != nil:
			a.fire(regEvtFail, err.Error())
		case res.Status.IsProvisional():
			// keeps the transaction alive, the final response decides
		case res.Status.IsAuthChallenge():
			req := tx.Request()
			if aerr := a.auth.AuthorizeRequest(req, res); aerr != nil {
				a.fire(regEvtFail, aerr.Error())
				return
			}
			if cseq, ok := req.CSeq(); ok {
				a.cseq = cseq.Seq
			}
			if _, serr := a.env.txm.SendRequest(context.Background(), req, a.onResponse); serr != nil {
				a.fire(regEvtFail, serr.Error())
			}
		case res.Status.IsSuccessful():
			a.fire(regEvtOK, res)
		default:
			a.fire(regEvtFail, res.Status.String()+" "+res.Status.ReasonPhrase())
		}
	})
}

func (a *Account) actSendRegister(ctx context.Context, _ ...any) error {
	a.refresh.Stop()
	a.emitState(RegistrationRegistering, "")
	if err := a.sendRegister(a.env.cfg.registerExpires()); err != nil {
		a.fire(regEvtFail, err.Error())
	}
	return nil
}

func (a *Account) actSendUnregister(ctx context.Context, _ ...any) error {
	a.refresh.Stop()
	a.emitState(RegistrationUnregistering, "")
	if err := a.sendRegister(0); err != nil {
		a.fire(regEvtFail, err.Error())
	}
	return nil
}

func (a *Account) actRegistered(ctx context.Context, args ...any) error {
	res := args[0].(*sip.Message)
	a.expires = a.grantedExpires(res)
	a.scheduleRefresh()
	if !a.bound {
		a.bound = true
		a.env.metrics.registrations(1)
	}
	a.log.LogAttrs(ctx, slog.LevelInfo, "registered",
		slog.Int("expires", a.expires), slog.Duration("refresh_in", a.refreshIn))
	a.emitState(RegistrationRegistered, "")
	return nil
}

func (a *Account) actUnregistered(ctx context.Context, _ ...any) error {
	a.refresh.Stop()
	a.unbind()
	a.emitState(RegistrationUnregistered, "")
	return nil
}

func (a *Account) actFailed(ctx context.Context, args ...any) error {
	reason := ""
	if len(args) > 0 {
		reason, _ = args[0].(string)
	}
	a.refresh.Stop()
	a.unbind()
	a.log.LogAttrs(ctx, slog.LevelWarn, "registration failed", slog.String("reason", reason))
	a.emitState(RegistrationFailed, reason)
	return nil
}

func (a *Account) unbind() {
	if a.bound {
		a.bound = false
		a.env.metrics.registrations(-1)
	}
}

// grantedExpires reads the registrar's granted expiry: the Expires
// header, or the expires parameter of the Contact binding, falling back
// to what was requested.
func (a *Account) grantedExpires(res *sip.Message) int {
	if exp, ok := res.Expires(); ok {
		return exp
	}
	if contact, ok := res.Contact(); ok {
		if v, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(v); err == nil {
				return exp
			}
		}
	}
	return a.env.cfg.registerExpires()
}

func (a *Account) scheduleRefresh() {
	a.refresh.Stop()
	a.refreshIn = time.Duration(a.expires) * time.Second * 9 / 10
	a.refresh = timeutil.AfterFunc(a.refreshIn, func() {
		a.env.post(func() { a.fire(regEvtRefresh) })
	})
}

func (a *Account) emitState(state RegistrationState, reason string) {
	a.env.emit(RegistrationStateChanged{
		Account: a.key,
		State:   state,
		Reason:  reason,
	})
}
