package ua

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/eddyslarez/sip-library-sub001/internal/errorutil"
	"github.com/eddyslarez/sip-library-sub001/internal/timeutil"
	"github.com/eddyslarez/sip-library-sub001/log"
	"github.com/eddyslarez/sip-library-sub001/sip"
	"github.com/eddyslarez/sip-library-sub001/transport"
)

// Engine errors.
const (
	ErrEngineClosed   errorutil.Error = "engine closed"
	ErrUnknownAccount errorutil.Error = "unknown account"
	ErrUnknownCall    errorutil.Error = "unknown call"
)

// EngineOptions are optional [Engine] settings.
type EngineOptions struct {
	// Logger for the engine and everything under it.
	// Defaults to [log.Default].
	Logger *slog.Logger
	// Sink receives engine events. Called from the engine worker, must
	// not block. Defaults to a sink that drops everything.
	Sink Sink
	// Metrics collectors, nil disables metric updates.
	Metrics *Metrics
}

func (o *EngineOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

func (o *EngineOptions) sink() Sink {
	if o == nil || o.Sink == nil {
		return noopSink{}
	}
	return o.Sink
}

func (o *EngineOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// Engine is the signaling coordinator. It owns the accounts and calls,
// routes inbound messages to them and serializes every state machine
// transition on a single worker goroutine.
type Engine struct {
	cfg  *Config
	sink Sink
	log  *slog.Logger
	env  *env

	tsp *transport.Manager
	txm *sip.TransactionManager

	jobs      chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// worker-owned state
	accounts  map[string]*Account
	calls     map[string]*Call
	failTimer *timeutil.Timer
	wasDown   bool
}

// NewEngine builds an engine for cfg. Call [Engine.Run] to connect.
func NewEngine(cfg *Config, opts *EngineOptions) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	e := &Engine{
		cfg:      cfg,
		sink:     opts.sink(),
		log:      opts.log(),
		jobs:     make(chan func(), 64),
		closed:   make(chan struct{}),
		accounts: make(map[string]*Account),
		calls:    make(map[string]*Call),
	}

	tsp, err := transport.NewManager(&transport.Options{
		URL:               cfg.TransportURL,
		KeepaliveInterval: cfg.KeepaliveInterval,
		GraceWindow:       cfg.GraceWindow,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		Logger:            e.log,
	}, e.onFrame, e.onTransportState)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	e.tsp = tsp

	e.env = &env{
		log:     e.log,
		cfg:     cfg,
		post:    e.post,
		emit:    e.emit,
		viaHost: newViaHost(),
		metrics: opts.metrics(),
	}
	e.txm = sip.NewTransactionManager(
		countingSender{s: tsp, m: e.env.metrics},
		&sip.TransactionManagerOptions{Logger: e.log},
	)
	e.env.txm = e.txm

	for _, ac := range cfg.Accounts {
		acc := newAccount(e.env, ac)
		e.accounts[acc.Key()] = acc
	}
	return e, nil
}

// Run connects the transport and processes events until ctx is done or
// [Engine.Close] is called.
func (e *Engine) Run(ctx context.Context) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.worker()
	}()
	err := e.tsp.Run(ctx)
	e.Close()
	e.wg.Wait()
	return errtrace.Wrap(err)
}

// Close shuts the engine down. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.tsp.Close()
		e.txm.Close(context.Background())
	})
	return nil
}

func (e *Engine) worker() {
	for {
		select {
		case <-e.closed:
			for _, acc := range e.accounts {
				acc.stop()
			}
			return
		case fn := <-e.jobs:
			fn()
			e.sweep()
		}
	}
}

// post schedules fn on the worker. Dropped once the engine is closed.
func (e *Engine) post(fn func()) {
	select {
	case e.jobs <- fn:
	case <-e.closed:
	}
}

// do runs fn on the worker and waits for its result.
func (e *Engine) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.jobs <- func() { reply <- fn() }:
	case <-e.closed:
		return errtrace.Wrap(ErrEngineClosed)
	}
	select {
	case err := <-reply:
		return errtrace.Wrap(err)
	case <-e.closed:
		return errtrace.Wrap(ErrEngineClosed)
	}
}

func (e *Engine) emit(ev Event) {
	e.sink.OnEvent(ev)
}

// sweep drops calls that reached a terminal state and stops the timers
// of terminal accounts.
func (e *Engine) sweep() {
	for id, c := range e.calls {
		if c.Terminal() {
			delete(e.calls, id)
		}
	}
}

// --- public commands, all executed on the worker ---

// Register starts registration for the account key (user@domain, or
// the bare username for the default domain).
func (e *Engine) Register(account string) error {
	return errtrace.Wrap(e.do(func() error {
		acc, err := e.account(account)
		if err != nil {
			return err
		}
		acc.wanted = true
		acc.Register()
		return nil
	}))
}

// RegisterAll starts registration for every configured account.
func (e *Engine) RegisterAll() error {
	return errtrace.Wrap(e.do(func() error {
		for _, acc := range e.accounts {
			acc.wanted = true
			acc.Register()
		}
		return nil
	}))
}

// Unregister releases the binding for the account key.
func (e *Engine) Unregister(account string) error {
	return errtrace.Wrap(e.do(func() error {
		acc, err := e.account(account)
		if err != nil {
			return err
		}
		acc.wanted = false
		acc.Unregister()
		return nil
	}))
}

// MakeCall starts an outbound call from the account to target and
// returns its Call-ID. Target may be a full sip: URI or a bare number
// on the default domain.
func (e *Engine) MakeCall(account, target string) (string, error) {
	var id string
	err := e.do(func() error {
		acc, err := e.account(account)
		if err != nil {
			return err
		}
		call := newOutboundCall(e.env, acc, e.targetURI(target))
		e.calls[call.ID()] = call
		id = call.ID()
		call.Start()
		return nil
	})
	return id, errtrace.Wrap(err)
}

// AcceptCall answers an inbound ringing call.
func (e *Engine) AcceptCall(callID string) error {
	return errtrace.Wrap(e.withCall(callID, (*Call).Accept))
}

// DeclineCall rejects an inbound ringing call.
func (e *Engine) DeclineCall(callID string) error {
	return errtrace.Wrap(e.withCall(callID, (*Call).Decline))
}

// Hangup tears a call down.
func (e *Engine) Hangup(callID string) error {
	return errtrace.Wrap(e.withCall(callID, (*Call).Hangup))
}

// Hold places a connected call on hold.
func (e *Engine) Hold(callID string) error {
	return errtrace.Wrap(e.withCall(callID, (*Call).Hold))
}

// Resume takes a held call off hold.
func (e *Engine) Resume(callID string) error {
	return errtrace.Wrap(e.withCall(callID, (*Call).Resume))
}

// SendDTMF sends one DTMF digit on the call. The outcome arrives as a
// [DtmfResult] event.
func (e *Engine) SendDTMF(callID, digit string, duration time.Duration) error {
	return errtrace.Wrap(e.withCall(callID, func(c *Call) {
		c.SendDTMF(digit, duration)
	}))
}

// CallState returns the state of the call, or [ErrUnknownCall].
func (e *Engine) CallState(callID string) (CallState, error) {
	var st CallState
	err := e.do(func() error {
		c, ok := e.calls[callID]
		if !ok {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownCall, callID))
		}
		st = c.State()
		return nil
	})
	return st, errtrace.Wrap(err)
}

// RegistrationState returns the state of the account, or
// [ErrUnknownAccount].
func (e *Engine) RegistrationState(account string) (RegistrationState, error) {
	var st RegistrationState
	err := e.do(func() error {
		acc, err := e.account(account)
		if err != nil {
			return err
		}
		st = acc.State()
		return nil
	})
	return st, errtrace.Wrap(err)
}

func (e *Engine) withCall(callID string, fn func(*Call)) error {
	return errtrace.Wrap(e.do(func() error {
		c, ok := e.calls[callID]
		if !ok {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownCall, callID))
		}
		fn(c)
		return nil
	}))
}

func (e *Engine) account(key string) (*Account, error) {
	if acc, ok := e.accounts[key]; ok {
		return acc, nil
	}
	if acc, ok := e.accounts[key+"@"+e.cfg.Domain]; ok {
		return acc, nil
	}
	return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownAccount, key))
}

func (e *Engine) targetURI(target string) string {
	if len(target) > 4 && target[:4] == "sip:" {
		return target
	}
	return "sip:" + target + "@" + e.cfg.Domain
}

// --- transport callbacks, reposted onto the worker ---

func (e *Engine) onFrame(data []byte) {
	e.env.metrics.messageIn()
	e.post(func() { e.route(data) })
}

func (e *Engine) onTransportState(st transport.State, err error) {
	e.post(func() { e.handleTransportState(st, err) })
}

func (e *Engine) route(data []byte) {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		e.log.LogAttrs(context.Background(), slog.LevelWarn, "drop frame",
			slog.Any("error", err))
		return
	}
	if msg.IsResponse() {
		// unmatched responses are logged and dropped inside the manager
		_ = e.txm.RecvResponse(context.Background(), msg)
		return
	}
	e.routeRequest(msg)
}

func (e *Engine) routeRequest(req *sip.Message) {
	callID, _ := req.CallID()
	if call, ok := e.calls[callID]; ok {
		call.handleRequest(req)
		return
	}

	switch {
	case req.Method.Equal(sip.RequestMethodInvite):
		call := newInboundCall(e.env, req)
		e.calls[call.ID()] = call
		call.Ring()
	case req.Method.Equal(sip.RequestMethodOptions):
		res := sip.NewResponse(req, sip.ResponseStatusOK)
		res.Headers.Set(sip.HdrAllow, sip.AllowedMethods())
		e.reply(res)
	case req.Method.Equal(sip.RequestMethodAck):
		// stray ACK for a dialog we no longer have
	case req.Method.Equal(sip.RequestMethodBye),
		req.Method.Equal(sip.RequestMethodCancel),
		req.Method.Equal(sip.RequestMethodInfo):
		e.reply(sip.NewResponse(req, sip.ResponseStatusCallDoesNotExist))
	default:
		res := sip.NewResponse(req, sip.ResponseStatusMethodNotAllowed)
		res.Headers.Set(sip.HdrAllow, sip.AllowedMethods())
		e.reply(res)
	}
}

func (e *Engine) reply(res *sip.Message) {
	if err := e.txm.SendStateless(context.Background(), res); err != nil {
		e.log.LogAttrs(context.Background(), slog.LevelWarn, "send reply",
			slog.Any("response", res), slog.Any("error", err))
	}
}

func (e *Engine) handleTransportState(st transport.State, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	e.emit(TransportStateChanged{State: st, Reason: reason})

	switch st {
	case transport.StateDown:
		e.wasDown = true
		for _, acc := range e.accounts {
			switch acc.State() {
			case RegistrationRegistering, RegistrationRegistered,
				RegistrationRefreshing, RegistrationUnregistering:
				acc.TransportLost(reason)
			}
		}
		// calls survive a short outage: media may still be flowing, so
		// only fail them after the grace window
		if len(e.calls) > 0 && !e.failTimer.Fired() {
			e.failTimer.Stop()
			e.failTimer = timeutil.AfterFunc(e.cfg.callFailGrace(), func() {
				e.post(e.failCalls)
			})
		}
	case transport.StateUp:
		e.failTimer.Stop()
		if e.wasDown {
			e.env.metrics.reconnect()
		}
		// server-side registration state cannot be trusted to have
		// survived, re-register everything on a fresh connection
		for _, acc := range e.accounts {
			if acc.wanted {
				acc.Reregister()
			}
		}
	}
}

func (e *Engine) failCalls() {
	for _, c := range e.calls {
		if !c.Terminal() {
			c.TransportLost("transport down")
		}
	}
}

// countingSender wraps the transport for outbound message metrics.
type countingSender struct {
	s sip.Sender
	m *Metrics
}

func (cs countingSender) Send(ctx context.Context, data []byte) error {
	if err := cs.s.Send(ctx, data); err != nil {
		return errtrace.Wrap(err)
	}
	cs.m.messageOut()
	return nil
}
