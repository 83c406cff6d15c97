// Package sasl implements client-side SASL mechanisms for SMTP
// authentication (RFC 4954): PLAIN, LOGIN and CRAM-MD5.
//
// Mechanisms operate on raw (unencoded) challenge and response bytes;
// the SMTP client is responsible for the base64 framing of the AUTH
// command exchange.
package sasl

import (
	"errors"
)

var (
	// ErrUnexpectedChallenge is returned when the server issues a
	// challenge the mechanism cannot process in its current state.
	ErrUnexpectedChallenge = errors.New("sasl: unexpected server challenge")
)

// Mechanism produces responses for one authentication exchange.
// A Mechanism is single-use; create a new one per session.
type Mechanism interface {
	// Name returns the mechanism name as advertised in EHLO AUTH.
	Name() string

	// Start returns the optional initial response sent with the AUTH
	// command. A nil response means the mechanism waits for the first
	// server challenge.
	Start() (initial []byte, err error)

	// Next processes a decoded server challenge and returns the
	// response to send.
	Next(challenge []byte) (response []byte, err error)
}

// Strongest returns the preferred mechanism among those advertised by
// the server, or nil if none is acceptable. CRAM-MD5 is preferred over
// LOGIN over PLAIN; the plaintext mechanisms are only eligible when
// plaintextOK is set (i.e. the connection is encrypted or the operator
// explicitly allows insecure authentication).
func Strongest(advertised []string, login, password string, plaintextOK bool) Mechanism {
	have := make(map[string]bool, len(advertised))
	for _, m := range advertised {
		have[m] = true
	}

	if have["CRAM-MD5"] {
		return NewCramMD5(login, password)
	}
	if !plaintextOK {
		return nil
	}
	if have["LOGIN"] {
		return NewLogin(login, password)
	}
	if have["PLAIN"] {
		return NewPlain(login, password)
	}
	return nil
}
