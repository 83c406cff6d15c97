package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	A    map[string][]string
	AAAA map[string][]string
	MX   map[string][]*net.MX

	// Fail contains records that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "mx example.com." where type is lowercase.
	Fail []string
}

var _ Resolver = MockResolver{}

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "a", "aaaa", "mx"
	Name string // FQDN with trailing dot
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// LookupMX returns MX records for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	if err := ctx.Err(); err != nil {
		return Result[*net.MX]{}, err
	}

	fqdn := ensureFQDN(name)
	mr := mockReq{"mx", fqdn}

	if slices.Contains(r.Fail, mr.String()) {
		return Result[*net.MX]{}, ErrServFail
	}

	records, ok := r.MX[fqdn]
	if !ok || len(records) == 0 {
		return Result[*net.MX]{}, ErrNotFound
	}

	return Result[*net.MX]{Records: records}, nil
}

// LookupIP returns A and AAAA records for the given domain.
func (r MockResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	if err := ctx.Err(); err != nil {
		return Result[net.IP]{}, err
	}

	fqdn := ensureFQDN(domain)

	mrA := mockReq{"a", fqdn}
	if slices.Contains(r.Fail, mrA.String()) {
		return Result[net.IP]{}, ErrServFail
	}
	mrAAAA := mockReq{"aaaa", fqdn}
	if slices.Contains(r.Fail, mrAAAA.String()) {
		return Result[net.IP]{}, ErrServFail
	}

	var ips []net.IP
	for _, ip := range r.A[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}
	for _, ip := range r.AAAA[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}

	if len(ips) == 0 {
		return Result[net.IP]{}, ErrNotFound
	}

	return Result[net.IP]{Records: ips}, nil
}
