// Package corvus implements a small last-mile mail transfer agent: it
// accepts locally-submitted mail, persists it in a durable on-disk
// spool, and delivers it to remote SMTP servers or a local delivery
// agent, retrying transient failures over a bounded window and
// bouncing permanently-failed mail back to its sender.
//
// # Submission
//
// Messages enter the queue through Enqueue, which fans a submitted
// message out into one queue item per recipient, all sharing a single
// body file:
//
//	store, err := spool.New(config.SpoolDir, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	q, err := corvus.Enqueue(store, config, aliases, sender, recipients, os.Stdin)
//
// # Queue running
//
// A Runner drains the spool, applying retry pacing and the five-day
// expiry window. Several runner processes may share one spool; items
// are claimed with non-blocking advisory locks:
//
//	runner := corvus.NewRunner(config, store, dns.NewResolver(dns.ResolverConfig{}), nil, logger)
//	if err := runner.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// A single pass (corvus.Runner.Pass) serves one-shot queue flushes;
// spool.Store.FlushSignal wakes a sleeping runner from another
// process.
//
// # Delivery
//
// Remote delivery resolves MX candidates (or uses the configured
// smarthost), negotiates STARTTLS per the operator's policy, and
// authenticates with the strongest mechanism both sides support
// (CRAM-MD5, LOGIN, PLAIN). Recipients of the same message and domain
// share one SMTP transaction; each recipient's reply is recorded
// independently. Failures are classified exactly once as temporary or
// permanent; the queue runner acts only on that classification and the
// item's age.
package corvus
