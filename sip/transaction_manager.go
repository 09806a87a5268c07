package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/eddyslarez/sip-library-sub001/log"
)

// TransactionManagerOptions are the options for a [TransactionManager].
type TransactionManagerOptions struct {
	// Timings is the SIP timing config used by transactions.
	// If zero, the default timing config is used.
	Timings TimingConfig
	// Unreliable enables SIP-level retransmission. It should stay false
	// for stream transports that guarantee delivery, such as WebSocket.
	Unreliable bool
	// Logger is the logger. If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *TransactionManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionManagerOptions) unreliable() bool {
	return o != nil && o.Unreliable
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TransactionManager correlates outgoing requests with their responses
// and owns the per-transaction retransmission and timeout timers.
type TransactionManager struct {
	sender     Sender
	timings    TimingConfig
	unreliable bool
	log        *slog.Logger

	mu  sync.Mutex
	txs map[TransactionKey]*ClientTransaction

	closing atomic.Bool
}

// NewTransactionManager creates a new [TransactionManager] that transmits
// through sender. Options are optional; nil uses defaults.
func NewTransactionManager(sender Sender, opts *TransactionManagerOptions) *TransactionManager {
	return &TransactionManager{
		sender:     sender,
		timings:    opts.timings(),
		unreliable: opts.unreliable(),
		log:        opts.log(),
		txs:        make(map[TransactionKey]*ClientTransaction),
	}
}

// SendRequest registers a client transaction for req, transmits it and
// arms the transaction timers. The handler receives every matched
// response and exactly one terminal outcome.
func (tm *TransactionManager) SendRequest(ctx context.Context, req *Message, handler ResponseHandler) (*ClientTransaction, error) {
	if tm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	tx, err := newClientTransaction(req, tm.sender, tm.timings, tm.unreliable, tm.log, handler)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.onTerminate = tm.forget

	tm.mu.Lock()
	tm.txs[tx.Key()] = tx
	tm.mu.Unlock()

	if err := tx.start(ctx); err != nil {
		tm.forget(tx)
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// SendStateless transmits req without creating a transaction.
// ACK for a 2xx response is sent this way, per RFC 3261 it belongs to no
// transaction.
func (tm *TransactionManager) SendStateless(ctx context.Context, msg *Message) error {
	tm.log.LogAttrs(ctx, slog.LevelDebug, "send stateless", slog.Any("message", msg))
	return errtrace.Wrap(tm.sender.Send(ctx, msg.Render()))
}

// RecvResponse routes an inbound response to its transaction by branch and
// CSeq method. Responses matching no transaction are logged as an anomaly
// and dropped with [ErrTransactionNotMatched], never fatal.
func (tm *TransactionManager) RecvResponse(ctx context.Context, res *Message) error {
	var key TransactionKey
	if err := key.FillFromMessage(res); err != nil {
		return errtrace.Wrap(err)
	}

	tm.mu.Lock()
	tx, ok := tm.txs[key]
	tm.mu.Unlock()
	if !ok {
		tm.log.LogAttrs(ctx, slog.LevelWarn, "response matches no transaction",
			slog.Any("response", res), slog.String("key", key.String()))
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return errtrace.Wrap(tx.recvResponse(ctx, res))
}

// Lookup returns the transaction for key, if any.
func (tm *TransactionManager) Lookup(key TransactionKey) (*ClientTransaction, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tx, ok := tm.txs[key]
	return tx, ok
}

// Len returns the number of in-flight transactions.
func (tm *TransactionManager) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.txs)
}

func (tm *TransactionManager) forget(tx *ClientTransaction) {
	tm.mu.Lock()
	delete(tm.txs, tx.Key())
	tm.mu.Unlock()
}

// Close terminates all in-flight transactions. Further sends fail with
// [ErrTransactionManagerClosed].
func (tm *TransactionManager) Close(ctx context.Context) error {
	tm.closing.Store(true)

	tm.mu.Lock()
	txs := make([]*ClientTransaction, 0, len(tm.txs))
	for _, tx := range tm.txs {
		txs = append(txs, tx)
	}
	tm.mu.Unlock()

	for _, tx := range txs {
		if err := tx.terminate(ctx); err != nil {
			tm.log.LogAttrs(ctx, slog.LevelWarn, "terminate transaction",
				slog.Any("transaction", tx), slog.Any("error", err))
		}
	}
	return nil
}
