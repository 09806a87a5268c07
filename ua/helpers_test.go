package ua

import (
	"context"
	"sync"
	"testing"

	"github.com/eddyslarez/sip-library-sub001/log"
	"github.com/eddyslarez/sip-library-sub001/sip"
)

// wireCapture is a sip.Sender that parses and records every outbound
// message.
type wireCapture struct {
	mu   sync.Mutex
	msgs []*sip.Message
}

func (w *wireCapture) Send(_ context.Context, data []byte) error {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, msg)
	w.mu.Unlock()
	return nil
}

func (w *wireCapture) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func (w *wireCapture) at(t *testing.T, i int) *sip.Message {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if i >= len(w.msgs) {
		t.Fatalf("wire message %d not sent, have %d", i, len(w.msgs))
	}
	return w.msgs[i]
}

func (w *wireCapture) last(t *testing.T) *sip.Message {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.msgs) == 0 {
		t.Fatal("nothing sent on the wire")
	}
	return w.msgs[len(w.msgs)-1]
}

// lastRequest returns the most recent request of the given method.
func (w *wireCapture) lastRequest(t *testing.T, method sip.RequestMethod) *sip.Message {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.msgs) - 1; i >= 0; i-- {
		if w.msgs[i].IsRequest() && w.msgs[i].Method.Equal(method) {
			return w.msgs[i]
		}
	}
	t.Fatalf("no %s request on the wire", method)
	return nil
}

// eventRecorder collects engine events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) callStates() []CallState {
	var out []CallState
	for _, ev := range r.all() {
		if st, ok := ev.(CallStateChanged); ok {
			out = append(out, st.State)
		}
	}
	return out
}

func (r *eventRecorder) registrationStates() []RegistrationState {
	var out []RegistrationState
	for _, ev := range r.all() {
		if st, ok := ev.(RegistrationStateChanged); ok {
			out = append(out, st.State)
		}
	}
	return out
}

// newTestEnv builds an env whose worker runs inline: everything a test
// drives happens on its own goroutine, in order.
func newTestEnv(t *testing.T) (*env, *wireCapture, *eventRecorder) {
	t.Helper()
	wire := &wireCapture{}
	events := &eventRecorder{}
	e := &env{
		log: log.Noop,
		cfg: &Config{
			TransportURL:    "ws://registrar.example.com/ws",
			Domain:          "example.com",
			RegisterExpires: 3600,
		},
		post:    func(fn func()) { fn() },
		emit:    events.OnEvent,
		viaHost: "client.invalid",
	}
	e.txm = sip.NewTransactionManager(wire, &sip.TransactionManagerOptions{Logger: log.Noop})
	t.Cleanup(func() { e.txm.Close(context.Background()) })
	return e, wire, events
}

// answer builds a response to a captured request, optionally tagging
// the To header and advertising a remote contact.
func answer(req *sip.Message, status sip.ResponseStatus, remoteTag string) *sip.Message {
	res := sip.NewResponse(req, status)
	if remoteTag != "" {
		if to, ok := res.To(); ok {
			to.Params.Set("tag", remoteTag)
			res.Headers.Set(sip.HdrTo, to.String())
		}
	}
	return res
}

func deliver(t *testing.T, e *env, res *sip.Message) {
	t.Helper()
	if err := e.txm.RecvResponse(context.Background(), res); err != nil {
		t.Fatalf("RecvResponse() error = %v", err)
	}
}
