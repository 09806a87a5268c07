package sip

import (
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/eddyslarez/sip-library-sub001/internal/util"
)

// Well-known header names in canonical form.
const (
	HdrVia           = "Via"
	HdrFrom          = "From"
	HdrTo            = "To"
	HdrCallID        = "Call-ID"
	HdrCSeq          = "CSeq"
	HdrContact       = "Contact"
	HdrRoute         = "Route"
	HdrRecordRoute   = "Record-Route"
	HdrExpires       = "Expires"
	HdrMaxForwards   = "Max-Forwards"
	HdrContentType   = "Content-Type"
	HdrContentLength = "Content-Length"
	HdrAllow         = "Allow"
	HdrUserAgent     = "User-Agent"
	HdrAuthorization      = "Authorization"
	HdrProxyAuthorization = "Proxy-Authorization"
	HdrWWWAuthenticate    = "WWW-Authenticate"
	HdrProxyAuthenticate  = "Proxy-Authenticate"
)

// hdrNames maps compact forms and canonicalization exceptions to the full
// canonical header name.
var hdrNames = map[string]string{
	"c":                HdrContentType,
	"e":                "Content-Encoding",
	"f":                HdrFrom,
	"i":                HdrCallID,
	"k":                "Supported",
	"l":                HdrContentLength,
	"m":                HdrContact,
	"s":                "Subject",
	"t":                HdrTo,
	"v":                HdrVia,
	"Call-Id":          HdrCallID,
	"Cseq":             HdrCSeq,
	"Mime-Version":     "MIME-Version",
	"Www-Authenticate": HdrWWWAuthenticate,
}

// CanonicName converts a header name to its canonical form.
// The first letter and any letter following a hyphen are upper-cased, the
// rest lower-cased; compact forms expand to the full name.
func CanonicName(name string) string {
	name = util.TrimSP(name)
	if n, ok := hdrNames[name]; ok {
		return n
	}
	name = textproto.CanonicalMIMEHeaderKey(name)
	if n, ok := hdrNames[name]; ok {
		return n
	}
	return name
}

// listHeaders are the comma-separated multi-value headers whose entries are
// order-significant and collapse into one logical multi-valued entry.
var listHeaders = map[string]bool{
	HdrVia:         true,
	HdrRoute:       true,
	HdrRecordRoute: true,
	HdrContact:     true,
	HdrAllow:       true,
	"Supported":    true,
}

// IsListHeader reports whether the named header is a comma-separated
// multi-value header.
func IsListHeader(name string) bool { return listHeaders[CanonicName(name)] }

// Headers is an ordered, case-insensitive collection of SIP headers.
// Values of the same name keep their relative order; list-type headers are
// stored one entry per value.
type Headers struct {
	order []string
	m     map[string][]string
}

// Append adds a header line. List-type header values are split on
// top-level commas into individual entries.
func (hs *Headers) Append(name, value string) {
	name = CanonicName(name)
	if IsListHeader(name) {
		for _, v := range util.SplitUnquoted(value, ',') {
			hs.append(name, v)
		}
		return
	}
	hs.append(name, util.TrimSP(value))
}

func (hs *Headers) append(name, value string) {
	if hs.m == nil {
		hs.m = make(map[string][]string)
	}
	if _, ok := hs.m[name]; !ok {
		hs.order = append(hs.order, name)
	}
	hs.m[name] = append(hs.m[name], value)
}

// Set replaces all values of the named header.
func (hs *Headers) Set(name string, values ...string) {
	name = CanonicName(name)
	hs.Del(name)
	for _, v := range values {
		hs.append(name, v)
	}
}

// Get returns all values of the named header in order.
func (hs *Headers) Get(name string) []string {
	if hs == nil || hs.m == nil {
		return nil
	}
	return hs.m[CanonicName(name)]
}

// First returns the first value of the named header.
func (hs *Headers) First(name string) (string, bool) {
	vals := hs.Get(name)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// Has reports whether the named header is present.
func (hs *Headers) Has(name string) bool {
	return len(hs.Get(name)) > 0
}

// Del removes all values of the named header.
func (hs *Headers) Del(name string) {
	if hs == nil || hs.m == nil {
		return
	}
	name = CanonicName(name)
	if _, ok := hs.m[name]; !ok {
		return
	}
	delete(hs.m, name)
	for i, n := range hs.order {
		if n == name {
			hs.order = append(hs.order[:i], hs.order[i+1:]...)
			break
		}
	}
}

// Names returns header names in insertion order.
func (hs *Headers) Names() []string {
	if hs == nil {
		return nil
	}
	out := make([]string, len(hs.order))
	copy(out, hs.order)
	return out
}

// Len returns the number of header lines (entries, not names).
func (hs *Headers) Len() int {
	n := 0
	for _, name := range hs.order {
		n += len(hs.m[name])
	}
	return n
}

// Clone returns a deep copy.
func (hs *Headers) Clone() Headers {
	var out Headers
	for _, name := range hs.order {
		for _, v := range hs.m[name] {
			out.append(name, v)
		}
	}
	return out
}

// renderOrder lists headers that rendering places ahead of the rest:
// Via first, then routing headers.
var renderOrder = []string{HdrVia, HdrRoute, HdrRecordRoute}

func (hs *Headers) render(sb *strings.Builder) {
	written := make(map[string]bool, len(hs.order))
	writeAll := func(name string) {
		for _, v := range hs.m[name] {
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
		written[name] = true
	}
	for _, name := range renderOrder {
		if _, ok := hs.m[name]; ok {
			writeAll(name)
		}
	}
	for _, name := range hs.order {
		if name == HdrContentLength || written[name] {
			continue
		}
		writeAll(name)
	}
}

// Values represents header or URI parameters.
// Rendering is deterministic: parameters are sorted by name.
type Values map[string]string

// ParseValues parses parameters separated by sep, e.g. ";branch=x;rport".
// A leading separator is optional; bare parameters get an empty value.
func ParseValues(s string, sep byte) Values {
	vals := make(Values)
	for _, item := range util.SplitUnquoted(s, sep) {
		if k, v, ok := strings.Cut(item, "="); ok {
			vals[strings.ToLower(util.TrimSP(k))] = util.Unquote(util.TrimSP(v))
		} else {
			vals[strings.ToLower(util.TrimSP(item))] = ""
		}
	}
	return vals
}

// Get returns the named parameter value; parameter names are
// case-insensitive.
func (v Values) Get(name string) (string, bool) {
	val, ok := v[strings.ToLower(name)]
	return val, ok
}

// Set sets the named parameter and returns the receiver for chaining.
func (v Values) Set(name, value string) Values {
	v[strings.ToLower(name)] = value
	return v
}

// Clone returns a copy of the parameter set.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func (v Values) render(sb *strings.Builder, sep byte) {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteByte(sep)
		sb.WriteString(name)
		if val := v[name]; val != "" {
			sb.WriteByte('=')
			sb.WriteString(val)
		}
	}
}

// String renders the parameters with a ';' separator, leading separator
// included.
func (v Values) String() string {
	var sb strings.Builder
	v.render(&sb, ';')
	return sb.String()
}

// CSeq represents a parsed CSeq header value.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

// ParseCSeq parses a CSeq header value, e.g. "4711 INVITE".
func ParseCSeq(s string) (CSeq, error) {
	seqStr, method, ok := strings.Cut(util.TrimSP(s), " ")
	if !ok {
		return CSeq{}, errtrace.Wrap(errorf(ErrMalformedMessage, "bad CSeq %q", s))
	}
	seq, err := strconv.ParseUint(util.TrimSP(seqStr), 10, 32)
	if err != nil {
		return CSeq{}, errtrace.Wrap(errorf(ErrMalformedMessage, "bad CSeq number %q", seqStr))
	}
	return CSeq{Seq: uint32(seq), Method: RequestMethod(strings.ToUpper(util.TrimSP(method)))}, nil
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + string(c.Method)
}

// Via represents a single parsed Via entry.
type Via struct {
	Transport string
	SentBy    string
	Params    Values
}

// ParseVia parses one Via entry, e.g.
// "SIP/2.0/WSS client.invalid;branch=z9hG4bK.x".
func ParseVia(s string) (Via, error) {
	protoAndRest, params, _ := strings.Cut(util.TrimSP(s), ";")
	proto, sentBy, ok := cutLast(util.TrimSP(protoAndRest), ' ')
	if !ok {
		return Via{}, errtrace.Wrap(errorf(ErrMalformedMessage, "bad Via %q", s))
	}
	parts := strings.Split(proto, "/")
	if len(parts) != 3 || !strings.EqualFold(parts[0], "SIP") {
		return Via{}, errtrace.Wrap(errorf(ErrMalformedMessage, "bad Via protocol %q", proto))
	}
	v := Via{
		Transport: strings.ToUpper(util.TrimSP(parts[2])),
		SentBy:    util.TrimSP(sentBy),
		Params:    make(Values),
	}
	if params != "" {
		v.Params = ParseValues(params, ';')
	}
	return v, nil
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	if i := strings.LastIndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// Branch returns the Via branch parameter.
func (v Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

func (v Via) String() string {
	var sb strings.Builder
	sb.WriteString(ProtoVersion)
	sb.WriteByte('/')
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy)
	v.Params.render(&sb, ';')
	return sb.String()
}

// NameAddr represents a From/To/Contact style value: an optional display
// name, a URI and trailing parameters.
type NameAddr struct {
	DisplayName string
	URI         string
	Params      Values
}

// ParseNameAddr parses a name-addr or addr-spec value, e.g.
// `"Alice" <sip:alice@example.com>;tag=88sja8x`.
func ParseNameAddr(s string) (NameAddr, error) {
	s = util.TrimSP(s)
	na := NameAddr{Params: make(Values)}
	if i := strings.IndexByte(s, '<'); i >= 0 {
		j := strings.IndexByte(s, '>')
		if j < i {
			return NameAddr{}, errtrace.Wrap(errorf(ErrMalformedMessage, "bad name-addr %q", s))
		}
		na.DisplayName = util.Unquote(util.TrimSP(s[:i]))
		na.URI = s[i+1 : j]
		if rest := util.TrimSP(s[j+1:]); rest != "" {
			na.Params = ParseValues(rest, ';')
		}
		return na, nil
	}
	// addr-spec form: params after the first top-level semicolon belong to
	// the header, not the URI
	uri, params, _ := strings.Cut(s, ";")
	na.URI = util.TrimSP(uri)
	if na.URI == "" {
		return NameAddr{}, errtrace.Wrap(errorf(ErrMalformedMessage, "empty address %q", s))
	}
	if params != "" {
		na.Params = ParseValues(params, ';')
	}
	return na, nil
}

// Tag returns the tag parameter, empty when absent.
func (na NameAddr) Tag() string {
	t, _ := na.Params.Get("tag")
	return t
}

func (na NameAddr) String() string {
	var sb strings.Builder
	if na.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(na.DisplayName)
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI)
	sb.WriteByte('>')
	na.Params.render(&sb, ';')
	return sb.String()
}

func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
