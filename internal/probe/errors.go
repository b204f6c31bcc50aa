package probe

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error classes for the four ways a check can fail.
var (
	// ConnectionError covers dial, DNS, timeout, greeting and EHLO failures.
	ConnectionError = errs.Class("connection error")

	// TLSError covers a missing or rejected STARTTLS and handshake failures.
	TLSError = errs.Class("tls error")

	// AuthenticationError is returned when the server rejects the credentials
	// or offers no usable mechanism.
	AuthenticationError = errs.Class("authentication error")

	// SendError covers any failure while transmitting the message.
	SendError = errs.Class("send error")
)

// Kind identifies which class an error belongs to.
type Kind int

// Kinds, in the order a run can reach them.
const (
	KindNone Kind = iota
	KindConnection
	KindTLS
	KindAuthentication
	KindSend
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnection:
		return "connection"
	case KindTLS:
		return "tls"
	case KindAuthentication:
		return "authentication"
	case KindSend:
		return "send"
	default:
		return "unknown"
	}
}

// KindOf maps err to its Kind. A nil error is KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case AuthenticationError.Has(err):
		return KindAuthentication
	case TLSError.Has(err):
		return KindTLS
	case SendError.Has(err):
		return KindSend
	case ConnectionError.Has(err):
		return KindConnection
	default:
		return KindUnknown
	}
}

// Message returns err's text without the leading class name, for console
// lines that already name the failure.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, c := range []errs.Class{ConnectionError, TLSError, AuthenticationError, SendError} {
		msg = strings.TrimPrefix(msg, string(c)+": ")
	}
	return msg
}
