package sip

import "strings"

// RequestMethod represents a SIP request method.
// Use [RequestMethod.Equal] rather than built-in equality to compare
// methods, header values on the wire are case-insensitive.
type RequestMethod string

const (
	RequestMethodInvite   RequestMethod = "INVITE"
	RequestMethodAck      RequestMethod = "ACK"
	RequestMethodCancel   RequestMethod = "CANCEL"
	RequestMethodBye      RequestMethod = "BYE"
	RequestMethodRegister RequestMethod = "REGISTER"
	RequestMethodOptions  RequestMethod = "OPTIONS"
	RequestMethodInfo     RequestMethod = "INFO"
)

// Equal compares two methods case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return strings.EqualFold(string(m), string(other))
}

func (m RequestMethod) String() string { return string(m) }

// IsValid reports whether the method is a non-empty token.
func (m RequestMethod) IsValid() bool { return len(m) > 0 }

// supportedMethods is the set advertised in Allow headers, in render order.
var supportedMethods = []RequestMethod{
	RequestMethodInvite,
	RequestMethodAck,
	RequestMethodCancel,
	RequestMethodBye,
	RequestMethodRegister,
	RequestMethodOptions,
	RequestMethodInfo,
}

// AllowedMethods returns the Allow header value listing every method
// this engine implements.
func AllowedMethods() string {
	strs := make([]string, len(supportedMethods))
	for i, m := range supportedMethods {
		strs[i] = string(m)
	}
	return strings.Join(strs, ", ")
}
