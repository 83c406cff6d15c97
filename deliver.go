package corvus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/corvusmta/corvus/dns"
	"github.com/corvusmta/corvus/spool"
)

// Engine performs one delivery attempt for a batch of queue items. It
// holds no persistent state; every outcome is reported back to the
// queue runner, which owns the commit/retry/bounce decision.
type Engine struct {
	config   *Config
	resolver dns.Resolver
	log      *slog.Logger
}

// NewEngine creates a delivery engine.
func NewEngine(config *Config, resolver dns.Resolver, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{config: config, resolver: resolver, log: log}
}

// DeliverRemote attempts remote delivery for a batch of items that
// share one queue id, sender and recipient domain, using a single SMTP
// transaction. The returned slice is aligned with items: a nil error
// means delivered, anything else is classified by Permanent.
func (e *Engine) DeliverRemote(ctx context.Context, items []*spool.Item, body io.Reader) []error {
	errs := make([]error, len(items))

	session, err := e.connect(ctx, items[0].Recipient)
	if err != nil {
		return failAll(errs, err)
	}
	defer session.Close()

	if err := e.handshake(session); err != nil {
		session.Quit()
		return failAll(errs, err)
	}

	if err := session.MailFrom(items[0].Sender); err != nil {
		session.Quit()
		return failAll(errs, err)
	}

	// Each recipient's reply stands on its own; a rejected recipient
	// must not fail the others sharing the body transmission.
	var accepted []int
	for i, it := range items {
		if err := session.RcptTo(it.Recipient); err != nil {
			errs[i] = err
			continue
		}
		accepted = append(accepted, i)
	}

	if len(accepted) == 0 {
		session.Quit()
		return errs
	}

	if err := session.Data(body); err != nil {
		for _, i := range accepted {
			errs[i] = err
		}
		session.Quit()
		return errs
	}

	session.Quit()

	for _, i := range accepted {
		e.log.Info("delivered",
			"queue", items[i].ID,
			"recipient", items[i].Recipient,
			"host", session.serverName)
	}
	return errs
}

// connect resolves delivery candidates for the recipient's domain and
// opens a session to the first reachable one, in ascending preference
// order. A configured smarthost replaces MX resolution entirely.
func (e *Engine) connect(ctx context.Context, recipient string) (*Session, error) {
	var hosts []dns.HostEntry

	if e.config.Smarthost != "" {
		hosts = []dns.HostEntry{{Host: e.config.Smarthost, Port: e.config.Port}}
	} else {
		var err error
		hosts, err = dns.LookupHosts(ctx, e.resolver, domainOf(recipient), e.config.Port)
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, h := range hosts {
		for _, addr := range h.ConnectAddrs() {
			session, err := DialSession(ctx, e.config, e.log, h.Host, addr)
			if err != nil {
				// Connection-stage failure: move on to the next
				// candidate.
				e.log.Debug("connect failed", "host", h.Host, "addr", addr, "err", err)
				lastErr = err
				continue
			}
			return session, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no delivery candidates for %s", recipient)
	}
	return nil, lastErr
}

// handshake runs EHLO, the STARTTLS policy and authentication on a
// fresh session.
func (e *Engine) handshake(s *Session) error {
	if err := s.Hello(); err != nil {
		return err
	}

	if e.config.RequireTLS || e.config.OpportunisticTLS {
		switch {
		case s.caps.StartTLSOffered:
			if err := s.StartTLS(); err != nil {
				if e.config.RequireTLS {
					return fmt.Errorf("mandatory TLS failed: %w", err)
				}
				// Opportunistic: the connection state after a failed
				// upgrade is undefined, abort and retry later.
				return err
			}
			// Capabilities must be re-negotiated after the upgrade;
			// the plaintext claims are gone.
			if err := s.Hello(); err != nil {
				return err
			}
		case e.config.RequireTLS:
			return ErrTLSRequired
		}
	}

	if user, ok := e.config.CredentialsFor(s.serverName); ok {
		if err := s.Auth(user); err != nil {
			return err
		}
	}

	return nil
}

// failAll assigns one batch-level error to every item.
func failAll(errs []error, err error) []error {
	for i := range errs {
		errs[i] = err
	}
	return errs
}

// domainOf extracts the domain part of an address.
func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
