// Package dns resolves delivery candidates for outbound mail.
//
// It wraps github.com/miekg/dns behind a small Resolver interface so the
// delivery pipeline can be tested against MockResolver without network
// access. The main entry point is LookupHosts, which turns a recipient
// domain into an ordered list of HostEntry candidates per RFC 5321
// (MX records, or the implicit MX fallback when none exist).
package dns

import (
	"context"
	"errors"
	"net"
)

// Lookup errors. ErrNotFound is authoritative (NXDOMAIN or an empty
// answer); everything else is a transient resolver condition.
var (
	ErrNotFound = errors.New("dns: no such record")
	ErrServFail = errors.New("dns: server failure")
	ErrRefused  = errors.New("dns: query refused")
	ErrTimeout  = errors.New("dns: query timed out")
)

// Result holds the records returned by a lookup.
type Result[T any] struct {
	Records []T
}

// Resolver is the lookup surface needed for outbound delivery.
type Resolver interface {
	// LookupMX retrieves MX records for the given domain.
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)

	// LookupIP retrieves A and AAAA records for the given domain.
	LookupIP(ctx context.Context, domain string) (Result[net.IP], error)
}

// IsNotFound reports whether err is an authoritative negative answer.
// A domain whose MX and address lookups are both authoritatively empty
// has no mail exchangers at all, which is a permanent condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTemporary reports whether err represents a resolver condition that
// may succeed on a later attempt.
func IsTemporary(err error) bool {
	return err != nil && !IsNotFound(err)
}
