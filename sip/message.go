package sip

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// Message represents a SIP message, either a request or a response.
// A message with a non-empty Method is a request.
type Message struct {
	// Request start line.
	Method     RequestMethod
	RequestURI string

	// Response start line.
	Status ResponseStatus
	Reason string

	Headers Headers
	Body    []byte
}

// NewRequest creates a request with the given method and request-URI.
func NewRequest(method RequestMethod, uri string) *Message {
	return &Message{Method: method, RequestURI: uri}
}

// NewResponse creates a response to req with the given status, copying the
// headers a UAS must mirror: Via, From, To, Call-ID and CSeq.
func NewResponse(req *Message, status ResponseStatus) *Message {
	res := &Message{Status: status, Reason: status.ReasonPhrase()}
	for _, name := range []string{HdrVia, HdrFrom, HdrTo, HdrCallID, HdrCSeq} {
		if vals := req.Headers.Get(name); len(vals) > 0 {
			res.Headers.Set(name, vals...)
		}
	}
	return res
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m.Method != "" }

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool { return !m.IsRequest() }

// StartLine returns the message start line without the trailing CRLF.
func (m *Message) StartLine() string {
	if m.IsRequest() {
		return fmt.Sprintf("%s %s %s", m.Method, m.RequestURI, ProtoVersion)
	}
	reason := m.Reason
	if reason == "" {
		reason = m.Status.ReasonPhrase()
	}
	return fmt.Sprintf("%s %d %s", ProtoVersion, m.Status, reason)
}

// Render serializes the message to wire bytes.
// Header order is deterministic: Via first, then routing headers, then the
// rest in insertion order. Content-Length is recomputed from the body and
// always rendered last.
func (m *Message) Render() []byte {
	var sb strings.Builder
	sb.WriteString(m.StartLine())
	sb.WriteString("\r\n")
	m.Headers.render(&sb)
	sb.WriteString(HdrContentLength)
	sb.WriteString(": ")
	sb.WriteString(strconv.Itoa(len(m.Body)))
	sb.WriteString("\r\n\r\n")
	sb.Write(m.Body)
	return []byte(sb.String())
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := &Message{
		Method:     m.Method,
		RequestURI: m.RequestURI,
		Status:     m.Status,
		Reason:     m.Reason,
		Headers:    m.Headers.Clone(),
	}
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	return out
}

// mandatoryHeaders lists headers every message must carry.
var mandatoryHeaders = []string{HdrCallID, HdrCSeq, HdrFrom, HdrTo}

// Validate checks that the message carries the mandatory headers:
// Call-ID, CSeq, From, To, and Via for requests.
func (m *Message) Validate() error {
	var missing []string
	for _, name := range mandatoryHeaders {
		if !m.Headers.Has(name) {
			missing = append(missing, name)
		}
	}
	if m.IsRequest() && !m.Headers.Has(HdrVia) {
		missing = append(missing, HdrVia)
	}
	if len(missing) > 0 {
		return errtrace.Wrap(errorf(ErrMalformedMessage, "missing mandatory headers: %s", strings.Join(missing, ", ")))
	}
	if m.IsResponse() && !m.Status.IsValid() {
		return errtrace.Wrap(errorf(ErrMalformedMessage, "bad status code %d", m.Status))
	}
	return nil
}

// CallID returns the Call-ID header value.
func (m *Message) CallID() (string, bool) {
	return m.Headers.First(HdrCallID)
}

// CSeq returns the parsed CSeq header.
func (m *Message) CSeq() (CSeq, bool) {
	v, ok := m.Headers.First(HdrCSeq)
	if !ok {
		return CSeq{}, false
	}
	cseq, err := ParseCSeq(v)
	return cseq, err == nil
}

// From returns the parsed From header.
func (m *Message) From() (NameAddr, bool) {
	return m.nameAddr(HdrFrom)
}

// To returns the parsed To header.
func (m *Message) To() (NameAddr, bool) {
	return m.nameAddr(HdrTo)
}

// Contact returns the first parsed Contact header entry.
func (m *Message) Contact() (NameAddr, bool) {
	return m.nameAddr(HdrContact)
}

func (m *Message) nameAddr(name string) (NameAddr, bool) {
	v, ok := m.Headers.First(name)
	if !ok {
		return NameAddr{}, false
	}
	na, err := ParseNameAddr(v)
	return na, err == nil
}

// TopVia returns the topmost parsed Via entry.
func (m *Message) TopVia() (Via, bool) {
	v, ok := m.Headers.First(HdrVia)
	if !ok {
		return Via{}, false
	}
	via, err := ParseVia(v)
	return via, err == nil
}

// Expires returns the Expires header value in seconds.
func (m *Message) Expires() (int, bool) {
	v, ok := m.Headers.First(HdrExpires)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ContentType returns the Content-Type header value.
func (m *Message) ContentType() (string, bool) {
	return m.Headers.First(HdrContentType)
}

// SetBody sets the body and its Content-Type.
func (m *Message) SetBody(contentType string, body []byte) {
	m.Body = body
	if len(body) > 0 {
		m.Headers.Set(HdrContentType, contentType)
	} else {
		m.Headers.Del(HdrContentType)
	}
}

// Short returns a short one-line description of the message for logs.
func (m *Message) Short() string {
	if m == nil {
		return "<nil>"
	}
	callID, _ := m.CallID()
	cseq, _ := m.Headers.First(HdrCSeq)
	return fmt.Sprintf("%s [call-id=%s, cseq=%s]", m.StartLine(), callID, cseq)
}

// LogValue implements [slog.LogValuer].
func (m *Message) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	callID, _ := m.CallID()
	cseq, _ := m.Headers.First(HdrCSeq)
	return slog.GroupValue(
		slog.String("start_line", m.StartLine()),
		slog.String("call_id", callID),
		slog.String("cseq", cseq),
		slog.Int("body_len", len(m.Body)),
	)
}
