package sip

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/eddyslarez/sip-library-sub001/internal/util"
)

// ParseState identifies the codec state in which a parse error occurred.
type ParseState int

const (
	ParseStateStart   ParseState = iota // parsing message start line
	ParseStateHeaders                   // parsing message headers
	ParseStateBody                      // parsing message body
)

// ParseError represents an error that occurred during parsing.
// It wraps [ErrMalformedMessage] and carries the parse state and the bytes
// that caused the error.
type ParseError struct {
	Err   error
	State ParseState
	Buf   []byte
}

func (err *ParseError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformedMessage, err.Err)
}

func (err *ParseError) Unwrap() []error { return []error{ErrMalformedMessage, err.Err} }

// ParseMessage parses a single SIP message from b.
// It assumes b contains a full message, the framing contract of the
// WebSocket transport (one message per text frame).
//
// Continuation lines (header folding) are unfolded; compact header names
// expand to canonical form; list-type headers split into ordered
// multi-value entries. A missing mandatory header, an unparsable start
// line or a Content-Length that does not match the available body bytes
// yield a [*ParseError] wrapping [ErrMalformedMessage].
func ParseMessage(b []byte) (*Message, error) {
	rdr := bufio.NewReader(bytes.NewReader(b))
	txtRdr := textproto.NewReader(rdr)
	state := ParseStateStart

	line, err := txtRdr.ReadLineBytes()
	if err != nil {
		return nil, errtrace.Wrap(&ParseError{err, state, nil})
	}
	msg, err := parseStartLine(string(line))
	if err != nil {
		return nil, errtrace.Wrap(&ParseError{err, state, line})
	}

	state = ParseStateHeaders
	for {
		hline, err := txtRdr.ReadContinuedLineBytes()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return msg, errtrace.Wrap(&ParseError{err, state, nil})
		}
		if len(hline) == 0 {
			break
		}
		name, value, ok := bytes.Cut(hline, []byte(":"))
		if !ok {
			return msg, errtrace.Wrap(&ParseError{fmt.Errorf("bad header line %q", hline), state, hline})
		}
		msg.Headers.Append(string(name), string(value))
	}

	if err := msg.Validate(); err != nil {
		return msg, errtrace.Wrap(&ParseError{err, state, nil})
	}

	state = ParseStateBody
	body := make([]byte, rdr.Buffered())
	if _, err := io.ReadFull(rdr, body); err != nil && !errors.Is(err, io.EOF) {
		return msg, errtrace.Wrap(&ParseError{err, state, nil})
	}
	if clVal, ok := msg.Headers.First(HdrContentLength); ok {
		cl, err := strconv.Atoi(util.TrimSP(clVal))
		if err != nil || cl < 0 {
			return msg, errtrace.Wrap(&ParseError{fmt.Errorf("bad Content-Length %q", clVal), state, nil})
		}
		if cl != len(body) {
			return msg, errtrace.Wrap(&ParseError{
				fmt.Errorf("Content-Length %d does not match body size %d", cl, len(body)),
				state, body,
			})
		}
	}
	if len(body) > 0 {
		msg.Body = body
	}
	return msg, nil
}

func parseStartLine(line string) (*Message, error) {
	line = util.TrimSP(line)
	if strings.HasPrefix(line, ProtoVersion+" ") {
		// status line: SIP/2.0 200 OK
		rest := line[len(ProtoVersion)+1:]
		codeStr, reason, _ := strings.Cut(rest, " ")
		code, err := strconv.Atoi(codeStr)
		if err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("bad status line %q", line))
		}
		sts := ResponseStatus(code)
		if !sts.IsValid() {
			return nil, errtrace.Wrap(fmt.Errorf("status code %d out of range", code))
		}
		return &Message{Status: sts, Reason: util.TrimSP(reason)}, nil
	}

	// request line: INVITE sip:bob@example.com SIP/2.0
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[2] != ProtoVersion {
		return nil, errtrace.Wrap(fmt.Errorf("bad request line %q", line))
	}
	method := RequestMethod(strings.ToUpper(parts[0]))
	if !method.IsValid() {
		return nil, errtrace.Wrap(fmt.Errorf("bad request method %q", parts[0]))
	}
	return &Message{Method: method, RequestURI: parts[1]}, nil
}
