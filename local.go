package corvus

import (
	"context"
	"io"

	"github.com/corvusmta/corvus/spool"
)

// LocalDeliverer writes a queue item into the host's local mailbox
// store. Mailbox formats (mbox, maildir) live outside this module; the
// queue runner only consumes this interface for items whose Remote
// flag is unset.
//
// A returned error classifies through Permanent like a remote failure:
// wrap a 5xx SMTPError for conditions that should bounce (unknown
// user); plain errors are treated as operational problems and retried.
type LocalDeliverer interface {
	Deliver(ctx context.Context, it *spool.Item, body io.Reader) error
}
