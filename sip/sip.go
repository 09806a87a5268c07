// Package sip implements the SIP signaling core: the message model and
// wire codec, digest authentication, and client transaction handling.
//
// The package provides the building blocks used by the ua package to
// implement a SIP user agent over a reliable WebSocket transport.
package sip

import (
	"github.com/google/uuid"

	"github.com/eddyslarez/sip-library-sub001/internal/util"
)

// ProtoVersion is the SIP protocol version put on every start line and Via.
const ProtoVersion = "SIP/2.0"

// MagicCookie is the RFC 3261 branch prefix that marks a compliant
// transaction identifier.
const MagicCookie = "z9hG4bK"

// GenerateBranch returns a new unique Via branch parameter.
func GenerateBranch() string {
	return MagicCookie + "." + util.RandString(24)
}

// GenerateTag returns a new From/To tag value.
func GenerateTag() string {
	return util.RandStringLC(12)
}

// GenerateCallID returns a new globally unique Call-ID value.
func GenerateCallID() string {
	return uuid.NewString()
}
