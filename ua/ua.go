// Package ua implements a SIP user agent over a WebSocket signaling
// transport: account registration, call dialogs, DTMF and the engine
// that coordinates them.
//
// All state machines run on the engine's sequential worker. Transport
// reads, transaction callbacks and timers post closures onto that
// worker, so transitions for a given account or call are serialized
// without per-entity locking.
package ua

import (
	"github.com/eddyslarez/sip-library-sub001/internal/util"
	"github.com/eddyslarez/sip-library-sub001/sip"
	"log/slog"
)

// env carries the collaborators the engine hands to every state machine.
type env struct {
	txm *sip.TransactionManager
	log *slog.Logger
	cfg *Config

	// post schedules fn on the engine worker. It never blocks the caller
	// longer than a queue send.
	post func(fn func())
	// emit hands an event to the application sink. Engine-serialized.
	emit func(ev Event)

	// viaHost is the per-engine Via/Contact host. Clients behind a
	// WebSocket gateway have no routable sent-by address, so a random
	// .invalid domain is used (RFC 7118 section 5.2).
	viaHost string

	metrics *Metrics
}

func newViaHost() string {
	return util.RandStringLC(12) + ".invalid"
}

// newVia renders a fresh Via entry with a unique branch.
func (e *env) newVia() string {
	v := sip.Via{
		Transport: "WS",
		SentBy:    e.viaHost,
		Params:    sip.Values{"branch": sip.GenerateBranch()},
	}
	return v.String()
}

// contact renders the Contact header value for user.
func (e *env) contact(user string) string {
	na := sip.NameAddr{URI: "sip:" + user + "@" + e.viaHost + ";transport=ws"}
	return na.String()
}
