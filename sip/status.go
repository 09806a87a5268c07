package sip

import "strconv"

// ResponseStatus represents a SIP response status code.
type ResponseStatus int

const (
	ResponseStatusTrying               ResponseStatus = 100
	ResponseStatusRinging              ResponseStatus = 180
	ResponseStatusSessionProgress      ResponseStatus = 183
	ResponseStatusOK                   ResponseStatus = 200
	ResponseStatusBadRequest           ResponseStatus = 400
	ResponseStatusUnauthorized         ResponseStatus = 401
	ResponseStatusForbidden            ResponseStatus = 403
	ResponseStatusNotFound             ResponseStatus = 404
	ResponseStatusMethodNotAllowed     ResponseStatus = 405
	ResponseStatusProxyAuthRequired    ResponseStatus = 407
	ResponseStatusRequestTimeout       ResponseStatus = 408
	ResponseStatusTemporarilyUnavail   ResponseStatus = 480
	ResponseStatusCallDoesNotExist     ResponseStatus = 481
	ResponseStatusBusyHere             ResponseStatus = 486
	ResponseStatusRequestTerminated    ResponseStatus = 487
	ResponseStatusServerInternalError  ResponseStatus = 500
	ResponseStatusServiceUnavailable   ResponseStatus = 503
	ResponseStatusBusyEverywhere       ResponseStatus = 600
	ResponseStatusDecline              ResponseStatus = 603
)

var reasonPhrases = map[ResponseStatus]string{
	ResponseStatusTrying:              "Trying",
	ResponseStatusRinging:             "Ringing",
	ResponseStatusSessionProgress:     "Session Progress",
	ResponseStatusOK:                  "OK",
	ResponseStatusBadRequest:          "Bad Request",
	ResponseStatusUnauthorized:        "Unauthorized",
	ResponseStatusForbidden:           "Forbidden",
	ResponseStatusNotFound:            "Not Found",
	ResponseStatusMethodNotAllowed:    "Method Not Allowed",
	ResponseStatusProxyAuthRequired:   "Proxy Authentication Required",
	ResponseStatusRequestTimeout:      "Request Timeout",
	ResponseStatusTemporarilyUnavail:  "Temporarily Unavailable",
	ResponseStatusCallDoesNotExist:    "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:            "Busy Here",
	ResponseStatusRequestTerminated:   "Request Terminated",
	ResponseStatusServerInternalError: "Server Internal Error",
	ResponseStatusServiceUnavailable:  "Service Unavailable",
	ResponseStatusBusyEverywhere:      "Busy Everywhere",
	ResponseStatusDecline:             "Decline",
}

// ReasonPhrase returns the default reason phrase for the status code.
func (s ResponseStatus) ReasonPhrase() string {
	if p, ok := reasonPhrases[s]; ok {
		return p
	}
	switch {
	case s.IsProvisional():
		return "Provisional"
	case s.IsSuccessful():
		return "OK"
	case s.IsRedirection():
		return "Redirection"
	case s >= 400 && s < 500:
		return "Client Error"
	case s >= 500 && s < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

func (s ResponseStatus) String() string { return strconv.Itoa(int(s)) }

// IsValid reports whether the status code is within the SIP range.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s <= 699 }

// IsProvisional reports whether the status is 1xx.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether the status is 2xx.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsRedirection reports whether the status is 3xx.
func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s < 400 }

// IsFinal reports whether the status is a final (non-1xx) one.
func (s ResponseStatus) IsFinal() bool { return s >= 200 }

// IsAuthChallenge reports whether the status demands credentials.
func (s ResponseStatus) IsAuthChallenge() bool {
	return s == ResponseStatusUnauthorized || s == ResponseStatusProxyAuthRequired
}
