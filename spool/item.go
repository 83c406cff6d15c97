package spool

import (
	"fmt"
	"os"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Item is one sender to single-recipient delivery obligation, persisted
// as a control file referencing a shared body file. An Item is only
// actionable while its control file is exclusively locked via Acquire;
// all mutation goes through Store.Commit.
type Item struct {
	// ID is the queue id, shared by all items split from one
	// submitted message.
	ID string

	// Seq distinguishes the per-recipient control files of one queue
	// id.
	Seq int

	Sender    string
	Recipient string

	// Remote indicates the item is delivered over SMTP rather than
	// handed to the local delivery agent.
	Remote bool

	Submitted   time.Time
	Attempts    int
	LastAttempt time.Time
	LastError   string

	// ctl is the open, flocked control file while acquired.
	ctl *os.File
}

// Locked reports whether the item is currently acquired by this process.
func (it *Item) Locked() bool {
	return it.ctl != nil
}

// Age returns the time since the message was first submitted.
func (it *Item) Age(now time.Time) time.Duration {
	return now.Sub(it.Submitted)
}

// control file keys
const (
	keySender      = "sender"
	keyRecipient   = "recipient"
	keyRemote      = "remote"
	keySubmitted   = "submitted"
	keyAttempts    = "attempts"
	keyLastAttempt = "last_attempt"
	keyLastError   = "last_error"
)

// encodeMsg writes the item's persistent fields as a msgpack map.
func (it *Item) encodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(7); err != nil {
		return err
	}
	if err := w.WriteString(keySender); err != nil {
		return err
	}
	if err := w.WriteString(it.Sender); err != nil {
		return err
	}
	if err := w.WriteString(keyRecipient); err != nil {
		return err
	}
	if err := w.WriteString(it.Recipient); err != nil {
		return err
	}
	if err := w.WriteString(keyRemote); err != nil {
		return err
	}
	if err := w.WriteBool(it.Remote); err != nil {
		return err
	}
	if err := w.WriteString(keySubmitted); err != nil {
		return err
	}
	if err := w.WriteTime(it.Submitted.UTC()); err != nil {
		return err
	}
	if err := w.WriteString(keyAttempts); err != nil {
		return err
	}
	if err := w.WriteInt(it.Attempts); err != nil {
		return err
	}
	if err := w.WriteString(keyLastAttempt); err != nil {
		return err
	}
	if err := w.WriteTime(it.LastAttempt.UTC()); err != nil {
		return err
	}
	if err := w.WriteString(keyLastError); err != nil {
		return err
	}
	return w.WriteString(it.LastError)
}

// decodeMsg reads the persistent fields written by encodeMsg. Unknown
// keys are skipped so older binaries can read newer control files.
func (it *Item) decodeMsg(r *msgp.Reader) error {
	size, err := r.ReadMapHeader()
	if err != nil {
		return fmt.Errorf("control record header: %w", err)
	}

	for i := uint32(0); i < size; i++ {
		key, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("control record key: %w", err)
		}

		switch key {
		case keySender:
			it.Sender, err = r.ReadString()
		case keyRecipient:
			it.Recipient, err = r.ReadString()
		case keyRemote:
			it.Remote, err = r.ReadBool()
		case keySubmitted:
			it.Submitted, err = r.ReadTime()
		case keyAttempts:
			it.Attempts, err = r.ReadInt()
		case keyLastAttempt:
			it.LastAttempt, err = r.ReadTime()
		case keyLastError:
			it.LastError, err = r.ReadString()
		default:
			err = r.Skip()
		}
		if err != nil {
			return fmt.Errorf("control record field %s: %w", key, err)
		}
	}

	return nil
}
