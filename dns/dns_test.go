package dns

import (
	"context"
	"net"
	"testing"
)

func TestLookupHostsOrdersByPreference(t *testing.T) {
	resolver := MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "mx2.example.com.", Pref: 20},
				{Host: "mx1.example.com.", Pref: 10},
				{Host: "mx3.example.com.", Pref: 30},
			},
		},
		A: map[string][]string{
			"mx1.example.com.": {"192.0.2.1"},
			"mx2.example.com.": {"192.0.2.2"},
			"mx3.example.com.": {"192.0.2.3"},
		},
	}

	hosts, err := LookupHosts(context.Background(), resolver, "example.com", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"mx1.example.com", "mx2.example.com", "mx3.example.com"}
	if len(hosts) != len(want) {
		t.Fatalf("expected %d hosts, got %d", len(want), len(hosts))
	}
	for i, h := range hosts {
		if h.Host != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], h.Host)
		}
		if len(h.Addrs) != 1 {
			t.Errorf("host %s: expected 1 address, got %d", h.Host, len(h.Addrs))
		}
	}
}

func TestLookupHostsEqualPreferenceKeepsAll(t *testing.T) {
	resolver := MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "a.example.com.", Pref: 10},
				{Host: "b.example.com.", Pref: 10},
			},
		},
		A: map[string][]string{
			"a.example.com.": {"192.0.2.1"},
			"b.example.com.": {"192.0.2.2"},
		},
	}

	hosts, err := LookupHosts(context.Background(), resolver, "example.com", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
	// Equal preferences may be shuffled, but both hosts must survive.
	seen := map[string]bool{}
	for _, h := range hosts {
		seen[h.Host] = true
	}
	if !seen["a.example.com"] || !seen["b.example.com"] {
		t.Errorf("expected both equal-preference hosts, got %v", hosts)
	}
}

func TestLookupHostsImplicitMXFallback(t *testing.T) {
	resolver := MockResolver{
		A: map[string][]string{
			"example.com.": {"192.0.2.9"},
		},
	}

	hosts, err := LookupHosts(context.Background(), resolver, "example.com", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(hosts))
	}
	if hosts[0].Host != "example.com" || hosts[0].Pref != 0 {
		t.Errorf("expected implicit MX example.com pref 0, got %+v", hosts[0])
	}
}

func TestLookupHostsNoExchangersIsPermanent(t *testing.T) {
	resolver := MockResolver{}

	_, err := LookupHosts(context.Background(), resolver, "nomail.example", 25)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("expected permanent not-found, got %v", err)
	}
	if IsTemporary(err) {
		t.Errorf("not-found must not classify as temporary: %v", err)
	}
}

func TestLookupHostsServerFailureIsTemporary(t *testing.T) {
	resolver := MockResolver{
		Fail: []string{"mx example.com.", "a example.com.", "aaaa example.com."},
	}

	_, err := LookupHosts(context.Background(), resolver, "example.com", 25)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTemporary(err) {
		t.Errorf("expected temporary failure, got %v", err)
	}
}

func TestLookupHostsSkipsUnresolvableExchanger(t *testing.T) {
	resolver := MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "dead.example.com.", Pref: 10},
				{Host: "live.example.com.", Pref: 20},
			},
		},
		A: map[string][]string{
			"live.example.com.": {"192.0.2.5"},
		},
	}

	hosts, err := LookupHosts(context.Background(), resolver, "example.com", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Host != "live.example.com" {
		t.Fatalf("expected only live.example.com, got %+v", hosts)
	}
}

func TestHostEntryAddr(t *testing.T) {
	e := HostEntry{Host: "mx.example.com", Addrs: []net.IP{net.ParseIP("192.0.2.1")}, Port: 25}
	if got := e.Addr(0); got != "192.0.2.1:25" {
		t.Errorf("expected 192.0.2.1:25, got %s", got)
	}
}
