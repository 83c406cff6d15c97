package dns

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// HostEntry is one delivery candidate for a domain: a mail exchanger
// hostname with its resolved addresses, ready to connect without a
// second lookup round-trip.
type HostEntry struct {
	// Host is the exchanger hostname, without trailing dot.
	Host string

	// Addrs holds the resolved A/AAAA addresses for Host.
	Addrs []net.IP

	// Pref is the MX preference value; lower is tried first.
	// The implicit MX fallback uses preference 0.
	Pref int

	// Port is the SMTP port to connect to.
	Port int
}

// Addr returns the connect address for the entry's i-th resolved IP.
func (h *HostEntry) Addr(i int) string {
	return net.JoinHostPort(h.Addrs[i].String(), fmt.Sprintf("%d", h.Port))
}

// ConnectAddrs returns the entry's connect addresses in order. An
// entry without resolved addresses (e.g. a configured smarthost)
// yields its hostname, leaving resolution to the dialer.
func (h *HostEntry) ConnectAddrs() []string {
	if len(h.Addrs) == 0 {
		return []string{net.JoinHostPort(h.Host, fmt.Sprintf("%d", h.Port))}
	}
	addrs := make([]string, len(h.Addrs))
	for i := range h.Addrs {
		addrs[i] = h.Addr(i)
	}
	return addrs
}

// LookupHosts resolves a recipient domain into an ordered list of
// delivery candidates. MX records are sorted ascending by preference,
// with equal preferences shuffled for load distribution. A domain
// without MX records falls back to an implicit MX on the domain itself
// (RFC 5321 section 5.1).
//
// The returned error is classified by IsTemporary/IsNotFound: a domain
// with no MX and no address records at all is a permanent condition,
// any resolver failure is temporary.
func LookupHosts(ctx context.Context, resolver Resolver, domain string, port int) ([]HostEntry, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		// Not resolvable under any circumstances.
		return nil, fmt.Errorf("%w: invalid domain %q: %v", ErrNotFound, domain, err)
	}
	domain = ascii

	mxs, err := resolver.LookupMX(ctx, domain)
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("MX lookup for %s: %w", domain, err)
	}

	var entries []HostEntry
	if len(mxs.Records) == 0 {
		// Implicit MX: the domain itself, preference 0.
		entries = []HostEntry{{Host: domain, Pref: 0, Port: port}}
	} else {
		for _, mx := range mxs.Records {
			entries = append(entries, HostEntry{
				Host: strings.TrimSuffix(mx.Host, "."),
				Pref: int(mx.Pref),
				Port: port,
			})
		}
		sortByPreference(entries)
	}

	// Resolve addresses for each candidate up front. Candidates that
	// fail resolution are dropped; the error classification of the
	// whole lookup depends on what remains.
	var kept []HostEntry
	sawTemporary := false
	for _, e := range entries {
		ips, err := resolver.LookupIP(ctx, e.Host)
		if err != nil {
			if IsTemporary(err) {
				sawTemporary = true
			}
			continue
		}
		e.Addrs = ips.Records
		kept = append(kept, e)
	}

	if len(kept) == 0 {
		if sawTemporary {
			return nil, fmt.Errorf("no resolvable mail exchanger for %s: %w", domain, ErrServFail)
		}
		return nil, fmt.Errorf("no mail exchanger for %s: %w", domain, ErrNotFound)
	}

	return kept, nil
}

// sortByPreference orders entries ascending by MX preference, shuffling
// entries of equal preference so load spreads across equal exchangers.
func sortByPreference(entries []HostEntry) {
	rand.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Pref < entries[j].Pref
	})
}
