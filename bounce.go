package corvus

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/corvusmta/corvus/spool"
)

// Bouncer synthesizes failure notifications back to the original
// sender when an item permanently fails or expires.
type Bouncer struct {
	config *Config
	store  *spool.Store
	log    *slog.Logger
}

// NewBouncer creates a bounce generator submitting through the given
// store.
func NewBouncer(config *Config, store *spool.Store, log *slog.Logger) *Bouncer {
	if log == nil {
		log = slog.Default()
	}
	return &Bouncer{config: config, store: store, log: log}
}

// Bounce queues a delivery failure notification for the item. A bounce
// is itself sent with the null sender, and an item that already has an
// empty sender is discarded silently - a bounce is never bounced.
func (b *Bouncer) Bounce(it *spool.Item, reason string) error {
	if it.Sender == "" {
		b.log.Info("discarding double bounce", "queue", it.ID, "recipient", it.Recipient)
		return nil
	}

	body, err := b.store.OpenBody(it)
	if err != nil {
		return err
	}
	defer body.Close()

	msg := b.compose(it, reason, body)

	q, err := b.store.Create("", strings.NewReader(msg))
	if err != nil {
		return fmt.Errorf("bounce: %w", err)
	}

	item := q.Add(it.Sender, !b.config.IsLocal(it.Sender))
	if err := b.store.Commit(item); err != nil {
		return fmt.Errorf("bounce: %w", err)
	}

	b.log.Info("bounced",
		"queue", it.ID,
		"recipient", it.Recipient,
		"bounce_queue", q.ID,
		"reason", reason)

	// Wake a sleeping runner so the notification goes out promptly.
	if err := b.store.FlushSignal(); err != nil {
		b.log.Error("flush signal after bounce", "err", err)
	}
	return nil
}

// compose builds the notification message. The original message is
// embedded in full when FullBounce is set, otherwise only its headers.
func (b *Bouncer) compose(it *spool.Item, reason string, original io.Reader) string {
	var sb strings.Builder

	now := time.Now().Format(time.RFC1123Z)
	fmt.Fprintf(&sb, "Received: from MAILER-DAEMON\n")
	fmt.Fprintf(&sb, "\tid %s.%d; %s\n", it.ID, it.Seq, now)
	fmt.Fprintf(&sb, "Date: %s\n", now)
	fmt.Fprintf(&sb, "From: MAILER-DAEMON <MAILER-DAEMON@%s>\n", b.config.MailName)
	fmt.Fprintf(&sb, "To: %s\n", it.Sender)
	fmt.Fprintf(&sb, "Subject: Mail delivery failed\n")
	fmt.Fprintf(&sb, "Message-Id: <%s.%d@%s>\n", it.ID, it.Seq, b.config.MailName)
	fmt.Fprintf(&sb, "\n")
	fmt.Fprintf(&sb, "This is the %s mail system on %s.\n", "corvus", b.config.MailName)
	fmt.Fprintf(&sb, "\n")
	fmt.Fprintf(&sb, "Your message could not be delivered to the following recipient:\n")
	fmt.Fprintf(&sb, "\n")
	fmt.Fprintf(&sb, "\t%s\n", it.Recipient)
	fmt.Fprintf(&sb, "\n")
	fmt.Fprintf(&sb, "Reason:\n")
	fmt.Fprintf(&sb, "\t%s\n", reason)
	fmt.Fprintf(&sb, "\n")

	if b.config.FullBounce {
		fmt.Fprintf(&sb, "The original message follows.\n\n")
		io.Copy(&sb, original)
	} else {
		fmt.Fprintf(&sb, "The headers of the original message follow.\n\n")
		copyHeaders(&sb, original)
	}

	return sb.String()
}

// copyHeaders copies the original message up to the first blank line.
func copyHeaders(w io.Writer, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			return
		}
		fmt.Fprintf(w, "%s\n", line)
	}
}
