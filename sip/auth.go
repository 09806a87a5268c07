package sip

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"strings"

	"braces.dev/errtrace"

	"github.com/eddyslarez/sip-library-sub001/internal/util"
)

// Challenge represents a parsed digest challenge from a WWW-Authenticate
// or Proxy-Authenticate header.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	QOP       string
	Stale     bool
}

var challengeParamRe = regexp.MustCompile(`([\w-]+)=("[^"]*"|[^\s,]+)`)

// ParseChallenge parses a digest challenge header value.
// It returns [ErrUnsupportedChallenge] for schemes other than Digest, for
// algorithms other than MD5 and SHA-256, and for qop values other than
// "auth" or none.
func ParseChallenge(value string) (Challenge, error) {
	scheme, rest, ok := strings.Cut(util.TrimSP(value), " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return Challenge{}, errtrace.Wrap(errorf(ErrUnsupportedChallenge, "scheme %q", scheme))
	}

	ch := Challenge{Algorithm: "MD5"}
	for _, m := range challengeParamRe.FindAllStringSubmatch(rest, -1) {
		val := util.Unquote(m[2])
		switch strings.ToLower(m[1]) {
		case "realm":
			ch.Realm = val
		case "nonce":
			ch.Nonce = val
		case "opaque":
			ch.Opaque = val
		case "algorithm":
			ch.Algorithm = strings.ToUpper(val)
		case "qop":
			// the server may offer a list; pick "auth" if present
			ch.QOP = pickQOP(val)
			if ch.QOP == "" {
				return Challenge{}, errtrace.Wrap(errorf(ErrUnsupportedChallenge, "qop %q", val))
			}
		case "stale":
			ch.Stale = strings.EqualFold(val, "true")
		}
	}

	if _, err := hasherFor(ch.Algorithm); err != nil {
		return Challenge{}, errtrace.Wrap(err)
	}
	if ch.Realm == "" || ch.Nonce == "" {
		return Challenge{}, errtrace.Wrap(errorf(ErrUnsupportedChallenge, "missing realm or nonce"))
	}
	return ch, nil
}

func pickQOP(offered string) string {
	for _, q := range strings.Split(offered, ",") {
		if strings.EqualFold(util.TrimSP(q), "auth") {
			return "auth"
		}
	}
	return ""
}

func hasherFor(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "MD5":
		return md5.New, nil
	case "SHA-256":
		return sha256.New, nil
	default:
		return nil, errtrace.Wrap(errorf(ErrUnsupportedChallenge, "algorithm %q", algorithm))
	}
}

// Credentials holds everything needed to answer a digest challenge.
type Credentials struct {
	Challenge
	Username   string
	Password   string
	URI        string
	Method     RequestMethod
	CNonce     string
	NonceCount uint32
}

// Response computes the digest response hash per RFC 2617/7616.
func (c Credentials) Response() (string, error) {
	newHash, err := hasherFor(c.Algorithm)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	h := func(data string) string {
		hsh := newHash()
		hsh.Write([]byte(data))
		return hex.EncodeToString(hsh.Sum(nil))
	}

	ha1 := h(c.Username + ":" + c.Realm + ":" + c.Password)
	ha2 := h(string(c.Method) + ":" + c.URI)
	if c.QOP == "auth" {
		return h(ha1 + ":" + c.Nonce + ":" + c.nc() + ":" + c.CNonce + ":auth:" + ha2), nil
	}
	return h(ha1 + ":" + c.Nonce + ":" + ha2), nil
}

func (c Credentials) nc() string {
	return fmt.Sprintf("%08x", c.NonceCount)
}

// Header renders the Authorization header value for the credentials.
func (c Credentials) Header() (string, error) {
	response, err := c.Response()
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=%s`,
		c.Username, c.Realm, c.Nonce, c.URI, response, c.Algorithm)
	if c.QOP == "auth" {
		fmt.Fprintf(&sb, `, qop=auth, cnonce="%s", nc=%s`, c.CNonce, c.nc())
	}
	if c.Opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, c.Opaque)
	}
	return sb.String(), nil
}

// Authorizer answers digest challenges for a single account.
// It tracks the server nonce and the nonce count across requests, and
// enforces the retry-once policy: a challenge to a request that already
// carries credentials fails with [ErrAuthenticationFailed] instead of
// looping.
type Authorizer struct {
	Username string
	Password string

	nonce      string
	nonceCount uint32
}

// AuthorizeRequest applies credentials for the challenge in res to req:
// it sets the Authorization or Proxy-Authorization header, increments
// CSeq and replaces the Via branch so the retry forms a new transaction.
func (a *Authorizer) AuthorizeRequest(req, res *Message) error {
	var challengeHdr, authHdr string
	if res.Status == ResponseStatusProxyAuthRequired {
		challengeHdr, authHdr = HdrProxyAuthenticate, HdrProxyAuthorization
	} else {
		challengeHdr, authHdr = HdrWWWAuthenticate, HdrAuthorization
	}

	if req.Headers.Has(HdrAuthorization) || req.Headers.Has(HdrProxyAuthorization) {
		// second challenge for the same request, of either scheme:
		// surface failure, do not loop
		return errtrace.Wrap(errorf(ErrAuthenticationFailed, "server rejected credentials for %q", a.Username))
	}

	value, ok := res.Headers.First(challengeHdr)
	if !ok {
		return errtrace.Wrap(errorf(ErrAuthenticationFailed, "challenge response without %s header", challengeHdr))
	}
	ch, err := ParseChallenge(value)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if ch.Nonce == a.nonce {
		a.nonceCount++
	} else {
		a.nonce = ch.Nonce
		a.nonceCount = 1
	}

	creds := Credentials{
		Challenge:  ch,
		Username:   a.Username,
		Password:   a.Password,
		URI:        req.RequestURI,
		Method:     req.Method,
		NonceCount: a.nonceCount,
	}
	if ch.QOP == "auth" {
		creds.CNonce = util.RandStringLC(16)
	}
	hdr, err := creds.Header()
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.Headers.Set(authHdr, hdr)

	if cseq, ok := req.CSeq(); ok {
		cseq.Seq++
		req.Headers.Set(HdrCSeq, cseq.String())
	}
	if via, ok := req.TopVia(); ok {
		via.Params.Set("branch", GenerateBranch())
		vias := req.Headers.Get(HdrVia)
		vias[0] = via.String()
		req.Headers.Set(HdrVia, vias...)
	}
	return nil
}
