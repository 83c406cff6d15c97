package corvus

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/corvusmta/corvus/spool"
)

// AliasResolver expands a local address into its destinations. It is
// consulted by recipient construction before queuing; alias file
// parsing itself lives outside this package.
type AliasResolver interface {
	// Expand returns the destinations for a local name, and whether
	// any alias matched.
	Expand(local string) ([]string, bool)
}

// Aliases is a plain map-backed AliasResolver. The entry under "*" is
// the wildcard alias, consulted when no exact entry matches.
type Aliases map[string][]string

// Expand implements AliasResolver.
func (a Aliases) Expand(local string) ([]string, bool) {
	if dests, ok := a[local]; ok {
		return dests, true
	}
	if dests, ok := a["*"]; ok {
		return dests, true
	}
	return nil, false
}

// aliasDepthLimit bounds recursive alias expansion.
const aliasDepthLimit = 16

// Enqueue accepts one locally-submitted message: it expands and splits
// the recipients into per-recipient queue items sharing a single body
// file, applies envelope masquerading to the sender, completes missing
// headers and commits everything durably. The returned queue describes
// the fan-out.
func Enqueue(store *spool.Store, config *Config, aliases AliasResolver, sender string, recipients []string, msg io.Reader) (*spool.Queue, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("enqueue: no recipients")
	}

	sender = config.Masquerade(sender)

	final, err := expandRecipients(config, aliases, recipients)
	if err != nil {
		return nil, err
	}

	body, err := completeHeaders(config, sender, msg)
	if err != nil {
		return nil, err
	}

	q, err := store.Create(sender, body)
	if err != nil {
		return nil, err
	}

	for _, rcpt := range final {
		it := q.Add(rcpt, !config.IsLocal(rcpt))
		if err := store.Commit(it); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", rcpt, err)
		}
	}

	return q, nil
}

// expandRecipients resolves aliases for local addresses, recursively
// up to aliasDepthLimit, and deduplicates the result. Remote addresses
// pass through untouched. An alias destination that names the address
// being expanded is delivered as-is, so a catch-all pointing at a
// plain local user terminates instead of re-matching the wildcard.
func expandRecipients(config *Config, aliases AliasResolver, recipients []string) ([]string, error) {
	seen := make(map[string]bool)
	var final []string

	accept := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			final = append(final, addr)
		}
	}

	var expand func(addr string, depth int) error
	expand = func(addr string, depth int) error {
		if depth > aliasDepthLimit {
			return fmt.Errorf("enqueue: alias loop expanding %s", addr)
		}

		if config.IsLocal(addr) && aliases != nil {
			local, _, _ := strings.Cut(addr, "@")
			if dests, ok := aliases.Expand(local); ok {
				for _, d := range dests {
					if d == local || d == addr {
						accept(d)
						continue
					}
					if err := expand(d, depth+1); err != nil {
						return err
					}
				}
				return nil
			}
		}

		accept(addr)
		return nil
	}

	for _, rcpt := range recipients {
		if err := expand(rcpt, 0); err != nil {
			return nil, err
		}
	}

	if len(final) == 0 {
		return nil, fmt.Errorf("enqueue: recipients expanded to nothing")
	}
	return final, nil
}

// Masquerade applies the configured envelope-sender rewriting.
func (c *Config) Masquerade(sender string) string {
	if sender == "" || (c.MasqueradeHost == "" && c.MasqueradeUser == "") {
		return sender
	}

	user, host, hasHost := strings.Cut(sender, "@")
	if c.MasqueradeUser != "" {
		user = c.MasqueradeUser
	}
	if c.MasqueradeHost != "" {
		host = c.MasqueradeHost
		hasHost = true
	}
	if !hasHost {
		return user
	}
	return user + "@" + host
}

// completeHeaders prepends a Received trace header and supplies Date
// and From when the submitted message lacks them, as locally submitted
// mail commonly does.
func completeHeaders(config *Config, sender string, msg io.Reader) (io.Reader, error) {
	r := bufio.NewReader(msg)

	var headers []string
	haveDate := false
	haveFrom := false
	sawBlank := false

	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed == "" {
				sawBlank = true
			} else {
				lower := strings.ToLower(trimmed)
				if strings.HasPrefix(lower, "date:") {
					haveDate = true
				}
				if strings.HasPrefix(lower, "from:") {
					haveFrom = true
				}
				headers = append(headers, trimmed)
			}
		}
		if sawBlank || err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("enqueue: read message: %w", err)
		}
	}

	var buf bytes.Buffer
	now := time.Now().Format(time.RFC1123Z)
	fmt.Fprintf(&buf, "Received: by %s (corvus); %s\n", config.MailName, now)
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s\n", h)
	}
	if !haveDate {
		fmt.Fprintf(&buf, "Date: %s\n", now)
	}
	if !haveFrom {
		fmt.Fprintf(&buf, "From: <%s>\n", sender)
	}
	buf.WriteString("\n")

	return io.MultiReader(&buf, r), nil
}
