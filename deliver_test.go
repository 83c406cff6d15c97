package corvus

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"net"
	"strings"
	"testing"

	"github.com/corvusmta/corvus/dns"
	"github.com/corvusmta/corvus/spool"
)

func smarthostConfig(m *mockSMTP) *Config {
	config := testConfig()
	config.Smarthost = "127.0.0.1"
	config.Port = m.port()
	return config
}

func remoteItems(sender string, recipients ...string) []*spool.Item {
	items := make([]*spool.Item, len(recipients))
	for i, rcpt := range recipients {
		items[i] = &spool.Item{
			ID:        "01TESTQUEUEID",
			Seq:       i,
			Sender:    sender,
			Recipient: rcpt,
			Remote:    true,
		}
	}
	return items
}

func TestDeliverRemoteSingleRecipient(t *testing.T) {
	m := newMockSMTP(t)
	e := NewEngine(smarthostConfig(m), dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("Subject: hi\n\nbody\n"))

	if errs[0] != nil {
		t.Fatalf("expected delivery, got %v", errs[0])
	}
	payloads := m.payloads()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 message, got %d", len(payloads))
	}
	if !strings.Contains(payloads[0], "body") {
		t.Errorf("body not transmitted: %q", payloads[0])
	}
}

func TestDeliverRemoteMixedRecipients(t *testing.T) {
	m := newMockSMTP(t)
	m.rcptReplies = map[string]string{
		"bad@example.org": "550 5.1.1 no such user",
	}
	e := NewEngine(smarthostConfig(m), dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "good@example.org", "bad@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] != nil {
		t.Errorf("accepted recipient must deliver: %v", errs[0])
	}
	if errs[1] == nil {
		t.Fatal("rejected recipient must fail")
	}
	if !Permanent(errs[1]) {
		t.Errorf("550 must classify as permanent: %v", errs[1])
	}
	if got := len(m.payloads()); got != 1 {
		t.Errorf("body must be sent once for the surviving recipient, got %d", got)
	}
}

func TestDeliverRemoteAllRecipientsRejected(t *testing.T) {
	m := newMockSMTP(t)
	m.rcptReplies = map[string]string{
		"a@example.org": "550 5.1.1 no such user",
		"b@example.org": "550 5.1.1 no such user",
	}
	e := NewEngine(smarthostConfig(m), dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "a@example.org", "b@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	for i, err := range errs {
		if err == nil || !Permanent(err) {
			t.Errorf("recipient %d: expected permanent rejection, got %v", i, err)
		}
	}
	if got := len(m.payloads()); got != 0 {
		t.Errorf("DATA must be skipped when every recipient is rejected, got %d payloads", got)
	}
}

func TestDeliverRemoteTemporaryDataFailure(t *testing.T) {
	m := newMockSMTP(t)
	m.dataReply = "451 4.3.0 storage full, try again"
	e := NewEngine(smarthostConfig(m), dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] == nil {
		t.Fatal("expected failure")
	}
	if Permanent(errs[0]) {
		t.Errorf("451 must classify as temporary: %v", errs[0])
	}
}

func TestDeliverRemoteViaMXResolution(t *testing.T) {
	m := newMockSMTP(t)

	config := testConfig()
	config.Port = m.port()
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.org.": {{Host: "mx.example.org.", Pref: 10}},
		},
		A: map[string][]string{
			"mx.example.org.": {"127.0.0.1"},
		},
	}
	e := NewEngine(config, resolver, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] != nil {
		t.Fatalf("expected delivery through resolved MX, got %v", errs[0])
	}
	if got := len(m.payloads()); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
}

func TestDeliverRemoteUnknownDomainIsPermanent(t *testing.T) {
	config := testConfig()
	e := NewEngine(config, dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@nowhere.invalid")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] == nil {
		t.Fatal("expected resolution failure")
	}
	if !Permanent(errs[0]) {
		t.Errorf("nonexistent domain must classify as permanent: %v", errs[0])
	}
}

func TestDeliverRemoteResolverOutageIsTemporary(t *testing.T) {
	config := testConfig()
	resolver := dns.MockResolver{
		Fail: []string{"mx example.org."},
	}
	e := NewEngine(config, resolver, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] == nil {
		t.Fatal("expected resolution failure")
	}
	if Permanent(errs[0]) {
		t.Errorf("SERVFAIL must classify as temporary: %v", errs[0])
	}
}

func TestDeliverMandatoryTLSNotOffered(t *testing.T) {
	m := newMockSMTP(t)

	config := smarthostConfig(m)
	config.RequireTLS = true
	e := NewEngine(config, dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] == nil {
		t.Fatal("expected TLS policy failure")
	}
	if !Permanent(errs[0]) {
		t.Errorf("missing mandatory TLS must classify as permanent: %v", errs[0])
	}
	if got := len(m.payloads()); got != 0 {
		t.Errorf("no mail may flow without the required TLS, got %d payloads", got)
	}
}

func TestDeliverOpportunisticTLS(t *testing.T) {
	m := newMockSMTP(t)
	m.starttls = true
	m.tlsConfig = selfSignedTLS(t)

	e := NewEngine(smarthostConfig(m), dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("secret\n"))

	if errs[0] != nil {
		t.Fatalf("opportunistic TLS delivery failed: %v", errs[0])
	}
	if got := len(m.payloads()); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
}

func TestDeliverAuthenticatesWithStoredCredentials(t *testing.T) {
	m := newMockSMTP(t)
	m.authMechs = "CRAM-MD5"

	mac := hmac.New(md5.New, []byte("sesame"))
	mac.Write([]byte(m.cramChallenge))
	m.wantAuth = "relay@example.com " + hex.EncodeToString(mac.Sum(nil))

	config := smarthostConfig(m)
	config.Auth = []AuthUser{{Login: "relay@example.com", Password: "sesame", Host: "127.0.0.1"}}
	e := NewEngine(config, dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] != nil {
		t.Fatalf("authenticated delivery failed: %v", errs[0])
	}
}

func TestDeliverAuthFailureStopsTransaction(t *testing.T) {
	m := newMockSMTP(t)
	m.authMechs = "CRAM-MD5"
	m.wantAuth = "someone something"

	config := smarthostConfig(m)
	config.Auth = []AuthUser{{Login: "relay", Password: "wrong"}}
	e := NewEngine(config, dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] == nil {
		t.Fatal("expected authentication failure")
	}
	if got := len(m.payloads()); got != 0 {
		t.Errorf("no mail may flow after failed authentication, got %d payloads", got)
	}
}

func TestDeliverConnectionRefusedIsTemporary(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	config := testConfig()
	config.Smarthost = "127.0.0.1"
	config.Port = port
	e := NewEngine(config, dns.MockResolver{}, testLogger())

	items := remoteItems("alice@example.com", "bob@example.org")
	errs := e.DeliverRemote(t.Context(), items, strings.NewReader("hello\n"))

	if errs[0] == nil {
		t.Fatal("expected connection failure")
	}
	if Permanent(errs[0]) {
		t.Errorf("refused connection must classify as temporary: %v", errs[0])
	}
}
