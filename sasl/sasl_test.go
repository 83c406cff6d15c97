package sasl

import (
	"bytes"
	"testing"
)

func TestPlain_Name(t *testing.T) {
	p := NewPlain("user", "pass")
	if p.Name() != "PLAIN" {
		t.Errorf("expected PLAIN, got %s", p.Name())
	}
}

func TestPlain_InitialResponse(t *testing.T) {
	p := NewPlain("user@example.com", "secret123")

	initial, err := p.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []byte("\x00user@example.com\x00secret123")
	if !bytes.Equal(initial, want) {
		t.Errorf("expected %q, got %q", want, initial)
	}
}

func TestPlain_RejectsChallenge(t *testing.T) {
	p := NewPlain("user", "pass")
	if _, err := p.Next([]byte("unexpected")); err != ErrUnexpectedChallenge {
		t.Errorf("expected ErrUnexpectedChallenge, got %v", err)
	}
}

func TestLogin_Exchange(t *testing.T) {
	l := NewLogin("user@example.com", "secret123")

	initial, err := l.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if initial != nil {
		t.Errorf("expected no initial response, got %q", initial)
	}

	resp, err := l.Next([]byte("Username:"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "user@example.com" {
		t.Errorf("expected username, got %q", resp)
	}

	resp, err = l.Next([]byte("Password:"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "secret123" {
		t.Errorf("expected password, got %q", resp)
	}

	if _, err := l.Next([]byte("extra")); err != ErrUnexpectedChallenge {
		t.Errorf("expected ErrUnexpectedChallenge, got %v", err)
	}
}

// Golden value from RFC 2195 section 2.
func TestCramMD5_RFC2195Example(t *testing.T) {
	c := NewCramMD5("tim", "tanstaaftanstaaf")

	initial, err := c.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if initial != nil {
		t.Errorf("expected no initial response, got %q", initial)
	}

	challenge := []byte("<1896.697170952@postoffice.reston.mci.net>")
	resp, err := c.Next(challenge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "tim b913a602c7eda7a495b4e6e7334d3890"
	if string(resp) != want {
		t.Errorf("expected %q, got %q", want, resp)
	}
}

func TestCramMD5_SingleUse(t *testing.T) {
	c := NewCramMD5("tim", "tanstaaftanstaaf")
	if _, err := c.Next([]byte("<a@b>")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Next([]byte("<a@b>")); err != ErrUnexpectedChallenge {
		t.Errorf("expected ErrUnexpectedChallenge, got %v", err)
	}
}

func TestStrongestPrefersCramMD5(t *testing.T) {
	m := Strongest([]string{"PLAIN", "LOGIN", "CRAM-MD5"}, "u", "p", false)
	if m == nil || m.Name() != "CRAM-MD5" {
		t.Fatalf("expected CRAM-MD5, got %v", m)
	}
}

func TestStrongestPlaintextRequiresPermission(t *testing.T) {
	if m := Strongest([]string{"PLAIN", "LOGIN"}, "u", "p", false); m != nil {
		t.Errorf("expected nil without plaintext permission, got %s", m.Name())
	}

	m := Strongest([]string{"PLAIN", "LOGIN"}, "u", "p", true)
	if m == nil || m.Name() != "LOGIN" {
		t.Fatalf("expected LOGIN over PLAIN, got %v", m)
	}

	m = Strongest([]string{"PLAIN"}, "u", "p", true)
	if m == nil || m.Name() != "PLAIN" {
		t.Fatalf("expected PLAIN, got %v", m)
	}
}

func TestStrongestNoneAdvertised(t *testing.T) {
	if m := Strongest(nil, "u", "p", true); m != nil {
		t.Errorf("expected nil, got %s", m.Name())
	}
}
