package ua

import (
	"io"
	"sync"

	"braces.dev/errtrace"
	"github.com/goccy/go-json"

	"github.com/eddyslarez/sip-library-sub001/transport"
)

// Event is a discrete engine notification.
// The concrete types are [RegistrationStateChanged], [CallStateChanged],
// [IncomingCall], [DtmfResult] and [TransportStateChanged].
type Event interface {
	// Kind returns the event discriminator used in serialized form.
	Kind() string
}

// RegistrationStateChanged reports a registration state transition.
type RegistrationStateChanged struct {
	Account string            `json:"account"`
	State   RegistrationState `json:"state"`
	// Reason is a human-readable cause, set for failures.
	Reason string `json:"reason,omitempty"`
}

func (RegistrationStateChanged) Kind() string { return "registration_state_changed" }

// CallStateChanged reports a call state transition.
type CallStateChanged struct {
	CallID string    `json:"call_id"`
	State  CallState `json:"state"`
	// Reason is a human-readable cause, set for failures.
	Reason string `json:"reason,omitempty"`
}

func (CallStateChanged) Kind() string { return "call_state_changed" }

// IncomingCall reports a new inbound call awaiting accept or decline.
type IncomingCall struct {
	CallID       string `json:"call_id"`
	CallerNumber string `json:"caller_number"`
	CallerName   string `json:"caller_name,omitempty"`
}

func (IncomingCall) Kind() string { return "incoming_call" }

// DtmfResult reports the outcome of one DTMF digit.
type DtmfResult struct {
	CallID  string `json:"call_id"`
	Digit   string `json:"digit"`
	Success bool   `json:"success"`
}

func (DtmfResult) Kind() string { return "dtmf_result" }

// TransportStateChanged reports a signaling transport state change.
type TransportStateChanged struct {
	State transport.State `json:"state"`
	// Reason carries the disconnect cause, if any.
	Reason string `json:"reason,omitempty"`
}

func (TransportStateChanged) Kind() string { return "transport_state_changed" }

// Sink consumes engine events. The engine delivers to exactly one sink;
// fan-out to multiple application listeners belongs to an external
// dispatcher layered on top.
//
// OnEvent is called from the engine worker goroutine and must not block.
type Sink interface {
	OnEvent(ev Event)
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ev Event)

func (f SinkFunc) OnEvent(ev Event) { f(ev) }

type noopSink struct{}

func (noopSink) OnEvent(Event) {}

// JSONSink writes events as newline-delimited JSON objects with a "kind"
// discriminator field. It is safe for concurrent use.
type JSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONSink creates a sink writing NDJSON to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

func (s *JSONSink) OnEvent(ev Event) {
	s.Write(ev) //nolint:errcheck
}

// Write serializes one event. Exposed for callers that want the error.
func (s *JSONSink) Write(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errtrace.Wrap(err)
	}
	envelope, err := json.Marshal(struct {
		Kind  string          `json:"kind"`
		Event json.RawMessage `json:"event"`
	}{ev.Kind(), payload})
	if err != nil {
		return errtrace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(envelope, '\n')); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}
