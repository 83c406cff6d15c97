package corvus

import (
	"errors"
	"fmt"

	"github.com/corvusmta/corvus/dns"
)

// Session and policy errors.
var (
	ErrNoConnection       = errors.New("smtp: no connection established")
	ErrTLSNotSupported    = errors.New("smtp: STARTTLS not supported by server")
	ErrTLSRequired        = errors.New("smtp: STARTTLS required but unavailable")
	ErrAuthFailed         = errors.New("smtp: authentication failed")
	ErrNoAuthMechanism    = errors.New("smtp: no acceptable authentication mechanism")
	ErrUnexpectedResponse = errors.New("smtp: unexpected server response")
)

// SMTPError represents an SMTP protocol error reply.
type SMTPError struct {
	Code    int
	Message string
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("SMTP %d: %s", e.Code, e.Message)
}

// IsPermanent returns true if this is a permanent failure (5xx).
func (e *SMTPError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTransient returns true if this is a transient failure (4xx).
func (e *SMTPError) IsTransient() bool {
	return e.Code >= 400 && e.Code < 500
}

// Permanent classifies a delivery failure. Exactly one classification
// happens per failed attempt, before the error reaches the queue
// runner; the runner only ever looks at this predicate and the item's
// age. Permanent failures are 5xx rejections, unmet mandatory TLS
// policy, failed authentication with a permanent reply, and domains
// that authoritatively have no mail exchangers. Everything else -
// connect errors, timeouts, 4xx replies, resolver hiccups, malformed
// replies - is assumed temporary and retried.
func Permanent(err error) bool {
	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.IsPermanent()
	}
	if errors.Is(err, ErrTLSRequired) || errors.Is(err, ErrNoAuthMechanism) {
		return true
	}
	return dns.IsNotFound(err)
}
