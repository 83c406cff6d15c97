package corvus

import (
	"strings"
	"testing"

	"github.com/corvusmta/corvus/spool"
)

func bounceFixture(t *testing.T, config *Config) (*Bouncer, *spool.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewBouncer(config, store, testLogger()), store
}

func TestBounceHeadersOnly(t *testing.T) {
	config := testConfig()
	b, store := bounceFixture(t, config)

	q, err := store.Create("alice@example.com",
		strings.NewReader("Subject: original\nX-Trace: abc\n\nsecret payload\n"))
	if err != nil {
		t.Fatal(err)
	}
	it := q.Add("bob@example.org", true)
	if err := store.Commit(it); err != nil {
		t.Fatal(err)
	}

	if err := b.Bounce(it, "550 5.1.1 no such user"); err != nil {
		t.Fatal(err)
	}

	items, err := store.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	var bounce *spool.Item
	for _, cand := range items {
		if cand.Sender == "" {
			bounce = cand
		}
	}
	if bounce == nil {
		t.Fatal("no bounce item queued")
	}
	if bounce.Recipient != "alice@example.com" {
		t.Errorf("bounce recipient = %q", bounce.Recipient)
	}

	body := readBody(t, store, bounce)
	if !strings.Contains(body, "Subject: original") {
		t.Error("original headers missing from bounce")
	}
	if strings.Contains(body, "secret payload") {
		t.Error("original body must be omitted without full_bounce")
	}
	if !strings.Contains(body, "550 5.1.1 no such user") {
		t.Error("failure reason missing from bounce")
	}
	if !strings.Contains(body, "From: MAILER-DAEMON") {
		t.Error("bounce must come from the mailer daemon")
	}
}

func TestBounceFullBody(t *testing.T) {
	config := testConfig()
	config.FullBounce = true
	b, store := bounceFixture(t, config)

	q, err := store.Create("alice@example.com",
		strings.NewReader("Subject: original\n\nsecret payload\n"))
	if err != nil {
		t.Fatal(err)
	}
	it := q.Add("bob@example.org", true)
	if err := store.Commit(it); err != nil {
		t.Fatal(err)
	}

	if err := b.Bounce(it, "expired"); err != nil {
		t.Fatal(err)
	}

	items, _ := store.Enumerate()
	for _, cand := range items {
		if cand.Sender != "" {
			continue
		}
		if body := readBody(t, store, cand); !strings.Contains(body, "secret payload") {
			t.Error("full_bounce must embed the complete original message")
		}
		return
	}
	t.Fatal("no bounce item queued")
}

func TestBounceNeverBouncesABounce(t *testing.T) {
	b, store := bounceFixture(t, testConfig())

	q, err := store.Create("", strings.NewReader("failure notice\n"))
	if err != nil {
		t.Fatal(err)
	}
	it := q.Add("alice@example.com", true)
	if err := store.Commit(it); err != nil {
		t.Fatal(err)
	}

	if err := b.Bounce(it, "550 gone"); err != nil {
		t.Fatal(err)
	}

	items, _ := store.Enumerate()
	if len(items) != 1 {
		t.Errorf("double bounce must not create new items, got %d", len(items))
	}
}

func TestBounceSignalsFlush(t *testing.T) {
	b, store := bounceFixture(t, testConfig())

	q, err := store.Create("alice@example.com", strings.NewReader("m\n"))
	if err != nil {
		t.Fatal(err)
	}
	it := q.Add("bob@example.org", true)
	if err := store.Commit(it); err != nil {
		t.Fatal(err)
	}

	store.TakeFlush()
	if err := b.Bounce(it, "550 gone"); err != nil {
		t.Fatal(err)
	}
	if !store.TakeFlush() {
		t.Error("bounce must wake a sleeping queue runner")
	}
}
