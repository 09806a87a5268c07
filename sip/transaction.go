package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/eddyslarez/sip-library-sub001/internal/timeutil"
)

// Sender transmits serialized SIP messages over the signaling transport.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// TransactionState represents the lifecycle state of a client transaction.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionKey identifies a client transaction: the branch parameter of
// the topmost Via and the CSeq method (RFC 3261 17.1.3).
type TransactionKey struct {
	Branch string
	Method RequestMethod
}

// IsValid reports whether the key has both components.
func (k TransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method.IsValid()
}

// FillFromMessage derives the key from the message Via branch and CSeq
// method.
func (k *TransactionKey) FillFromMessage(msg *Message) error {
	via, ok := msg.TopVia()
	if ok && via.Branch() == "" {
		ok = false
	}
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("message without Via branch"))
	}
	cseq, ok := msg.CSeq()
	if !ok {
		return errtrace.Wrap(NewInvalidArgumentError("message without CSeq"))
	}
	k.Branch = via.Branch()
	k.Method = cseq.Method
	return nil
}

func (k TransactionKey) String() string {
	return k.Branch + "/" + string(k.Method)
}

// ResponseHandler is called for every response routed to a transaction
// and, exactly once, for the terminal outcome. A transaction timeout is
// delivered as a nil response with [ErrTransactionTimeout].
type ResponseHandler func(tx *ClientTransaction, res *Message, err error)

// FSM triggers.
const (
	txEvtProvisional = "recv_1xx"
	txEvtFinal       = "recv_final"
	txEvtRetransmit  = "timer_retransmit"
	txEvtTimeout     = "timer_timeout"
	txEvtTerminate   = "terminate"
)

// ClientTransaction tracks one outgoing request until its final response
// or timeout. Retransmission runs only on unreliable transports; the
// overall deadline (64*T1) always applies.
type ClientTransaction struct {
	key        TransactionKey
	req        *Message
	sender     Sender
	timings    TimingConfig
	unreliable bool
	log        *slog.Logger

	fsm       *stateless.StateMachine
	handler   ResponseHandler
	finalOnce sync.Once
	cancelled atomic.Bool
	attempts  int

	tmrRetrans *timeutil.Timer
	tmrTimeout *timeutil.Timer

	onTerminate func(*ClientTransaction)
	done        chan struct{}
}

func newClientTransaction(
	req *Message,
	sender Sender,
	timings TimingConfig,
	unreliable bool,
	logger *slog.Logger,
	handler ResponseHandler,
) (*ClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if sender == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil sender"))
	}

	tx := &ClientTransaction{
		req:        req,
		sender:     sender,
		timings:    timings,
		unreliable: unreliable,
		log:        logger,
		handler:    handler,
		done:       make(chan struct{}),
	}
	if err := tx.key.FillFromMessage(req); err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.initFSM()
	return tx, nil
}

func (tx *ClientTransaction) initFSM() {
	fsm := stateless.NewStateMachine(TransactionStateCalling)
	fsm.SetTriggerParameters(txEvtProvisional, reflect.TypeOf((*Message)(nil)))
	fsm.SetTriggerParameters(txEvtFinal, reflect.TypeOf((*Message)(nil)))

	fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtRetransmit, tx.actRetransmit).
		Permit(txEvtProvisional, TransactionStateProceeding).
		Permit(txEvtFinal, TransactionStateCompleted).
		Permit(txEvtTimeout, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtProvisional, tx.actPassRes).
		InternalTransition(txEvtProvisional, tx.actPassRes).
		Permit(txEvtFinal, TransactionStateCompleted).
		Permit(txEvtTimeout, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtFinal, tx.actPassFinal).
		Permit(txEvtTerminate, TransactionStateTerminated)

	fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimeout, tx.actTimedOut)

	fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "ignore trigger",
			slog.Any("transaction", tx), slog.Any("state", state), slog.Any("trigger", trigger))
		return nil
	})

	tx.fsm = fsm
}

// Key returns the transaction key.
func (tx *ClientTransaction) Key() TransactionKey { return tx.key }

// Request returns the request that opened the transaction.
func (tx *ClientTransaction) Request() *Message { return tx.req }

// State returns the current transaction state.
func (tx *ClientTransaction) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// Done is closed when the transaction terminates.
func (tx *ClientTransaction) Done() <-chan struct{} { return tx.done }

// Cancel marks the transaction as externally cancelled. Cancellation is
// advisory: a final response that arrives anyway is still delivered, the
// owner decides whether to act on it.
func (tx *ClientTransaction) Cancel() { tx.cancelled.Store(true) }

// Cancelled reports whether [ClientTransaction.Cancel] was called.
func (tx *ClientTransaction) Cancelled() bool { return tx.cancelled.Load() }

// LogValue implements [slog.LogValuer].
func (tx *ClientTransaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("key", tx.key.String()),
		slog.String("state", string(tx.State())),
	)
}

func (tx *ClientTransaction) start(ctx context.Context) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("transaction", tx), slog.Any("request", tx.req))

	if err := tx.sender.Send(ctx, tx.req.Render()); err != nil {
		return errtrace.Wrap(err)
	}
	if tx.unreliable {
		tx.tmrRetrans = timeutil.AfterFunc(tx.timings.RetransmitInterval(0), tx.onRetransmitTimer)
	}
	tx.tmrTimeout = timeutil.AfterFunc(tx.timings.Timeout(), tx.onTimeoutTimer)
	return nil
}

func (tx *ClientTransaction) onRetransmitTimer() {
	tx.fsm.Fire(txEvtRetransmit) //nolint:errcheck
}

func (tx *ClientTransaction) onTimeoutTimer() {
	tx.fsm.Fire(txEvtTimeout) //nolint:errcheck
}

func (tx *ClientTransaction) recvResponse(ctx context.Context, res *Message) error {
	if res.Status.IsProvisional() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtProvisional, res))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtFinal, res))
}

func (tx *ClientTransaction) terminate(ctx context.Context) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

func (tx *ClientTransaction) actRetransmit(ctx context.Context, _ ...any) error {
	tx.attempts++
	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmit request",
		slog.Any("transaction", tx), slog.Int("attempt", tx.attempts))

	tx.sender.Send(ctx, tx.req.Render()) //nolint:errcheck
	tx.tmrRetrans = timeutil.AfterFunc(tx.timings.RetransmitInterval(tx.attempts), tx.onRetransmitTimer)
	return nil
}

func (tx *ClientTransaction) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Message) //nolint:forcetypeassert
	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass provisional response",
		slog.Any("transaction", tx), slog.Any("response", res))

	tx.tmrRetrans.Stop()
	if tx.handler != nil {
		tx.handler(tx, res, nil)
	}
	return nil
}

func (tx *ClientTransaction) actPassFinal(ctx context.Context, args ...any) error {
	res := args[0].(*Message) //nolint:forcetypeassert
	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass final response",
		slog.Any("transaction", tx), slog.Any("response", res))

	tx.stopTimers()
	tx.finalOnce.Do(func() {
		if tx.handler != nil {
			tx.handler(tx, res, nil)
		}
	})
	// queued firing mode: processed after the current transition completes
	tx.fsm.Fire(txEvtTerminate) //nolint:errcheck
	return nil
}

func (tx *ClientTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx))

	tx.finalOnce.Do(func() {
		if tx.handler != nil {
			tx.handler(tx, nil, errtrace.Wrap(fmt.Errorf("%w: %s", ErrTransactionTimeout, tx.key)))
		}
	})
	return nil
}

func (tx *ClientTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))

	tx.stopTimers()
	if tx.onTerminate != nil {
		tx.onTerminate(tx)
	}
	close(tx.done)
	return nil
}

func (tx *ClientTransaction) stopTimers() {
	tx.tmrRetrans.Stop()
	tx.tmrTimeout.Stop()
}
