package corvus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvusmta/corvus/dns"
	"github.com/corvusmta/corvus/spool"
)

// Runner iterates the spool, applies the retry/expiry policy and hands
// eligible items to the delivery engine or the local delivery agent.
// Multiple runner processes may operate on the same spool concurrently;
// per-item advisory locks keep them off each other's items.
type Runner struct {
	config  *Config
	store   *spool.Store
	engine  *Engine
	bouncer *Bouncer
	local   LocalDeliverer
	log     *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewRunner creates a queue runner over the given spool.
func NewRunner(config *Config, store *spool.Store, resolver dns.Resolver, local LocalDeliverer, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		config:  config,
		store:   store,
		engine:  NewEngine(config, resolver, log),
		bouncer: NewBouncer(config, store, log),
		local:   local,
		log:     log,
		now:     time.Now,
	}
}

// Run processes the queue until the context is cancelled, sleeping
// between idle passes and waking early on a flush signal.
func (r *Runner) Run(ctx context.Context) error {
	for {
		r.store.TakeFlush()
		if err := r.Pass(ctx); err != nil {
			r.log.Error("queue pass", "err", err)
		}

		deadline := r.now().Add(SleepTimeout)
		for r.now().Before(deadline) {
			if r.store.TakeFlush() {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// Pass performs one pass over the spool: every acquirable, eligible
// item gets a delivery attempt, and its outcome decides between
// delete, retry bookkeeping and bounce.
func (r *Runner) Pass(ctx context.Context) error {
	items, err := r.store.Enumerate()
	if err != nil {
		return err
	}
	metricQueueItems.Set(float64(len(items)))

	// Recipients of one message destined for the same domain share a
	// single SMTP transaction.
	type batchKey struct {
		id     string
		domain string
	}
	batches := make(map[batchKey][]*spool.Item)
	var order []batchKey
	var locals []*spool.Item

	for _, it := range items {
		ok, err := r.store.Acquire(it)
		if err != nil {
			r.log.Error("acquire queue item", "id", it.ID, "seq", it.Seq, "err", err)
			continue
		}
		if !ok {
			// Another process is on it, or it is already gone.
			continue
		}

		if !r.eligible(it) {
			r.store.Release(it)
			continue
		}

		if it.Remote {
			key := batchKey{it.ID, strings.ToLower(domainOf(it.Recipient))}
			if _, seen := batches[key]; !seen {
				order = append(order, key)
			}
			batches[key] = append(batches[key], it)
		} else {
			locals = append(locals, it)
		}
	}

	for _, it := range locals {
		r.resolve(it, r.deliverLocal(ctx, it))
	}

	for _, key := range order {
		batch := batches[key]
		body, err := r.store.OpenBody(batch[0])
		if err != nil {
			r.log.Error("open body", "id", key.id, "err", err)
			for _, it := range batch {
				r.store.Release(it)
			}
			continue
		}
		errs := r.engine.DeliverRemote(ctx, batch, body)
		body.Close()

		for i, it := range batch {
			r.resolve(it, errs[i])
		}
	}

	return nil
}

// eligible applies the retry pacing: an item is skipped while its
// backoff interval since the last attempt has not elapsed. Items past
// the expiry window are always eligible, so they reach their final
// attempt-and-bounce without waiting out the backoff.
func (r *Runner) eligible(it *spool.Item) bool {
	if it.Attempts == 0 {
		return true
	}
	if it.Age(r.now()) >= MaxTimeout {
		return true
	}
	return !r.now().Before(it.LastAttempt.Add(retryBackoff(it.Attempts)))
}

// retryBackoff doubles the retry interval per attempt, capped so
// stalled items are still tried at least every MaxRetry.
func retryBackoff(attempts int) time.Duration {
	d := MinRetry
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= MaxRetry {
			return MaxRetry
		}
	}
	return d
}

// deliverLocal hands one item to the local delivery agent.
func (r *Runner) deliverLocal(ctx context.Context, it *spool.Item) error {
	if r.local == nil {
		return errors.New("no local delivery agent configured")
	}
	body, err := r.store.OpenBody(it)
	if err != nil {
		return err
	}
	defer body.Close()
	return r.local.Deliver(ctx, it, body)
}

// resolve turns one attempt outcome into the item's fate. Delivery is
// attempted before the expiry check: an item past MaxTimeout is still
// offered to the remote host once more and only bounced if that final
// attempt fails.
func (r *Runner) resolve(it *spool.Item, attemptErr error) {
	now := r.now()

	switch {
	case attemptErr == nil:
		metricAttempts.WithLabelValues("delivered").Inc()
		if err := r.store.Delete(it); err != nil {
			r.log.Error("delete delivered item", "id", it.ID, "seq", it.Seq, "err", err)
			r.store.Release(it)
		}

	case Permanent(attemptErr):
		metricAttempts.WithLabelValues("permanent").Inc()
		r.log.Warn("permanent delivery failure",
			"id", it.ID, "recipient", it.Recipient, "err", attemptErr)
		r.finalize(it, attemptErr.Error())

	case it.Age(now) >= MaxTimeout:
		metricAttempts.WithLabelValues("expired").Inc()
		r.log.Warn("delivery expired",
			"id", it.ID, "recipient", it.Recipient, "age", it.Age(now), "err", attemptErr)
		reason := fmt.Sprintf("could not deliver for %d days; last error: %v",
			int(MaxTimeout.Hours()/24), attemptErr)
		r.finalize(it, reason)

	default:
		metricAttempts.WithLabelValues("temporary").Inc()
		it.Attempts++
		it.LastAttempt = now
		it.LastError = attemptErr.Error()
		if err := r.store.Commit(it); err != nil {
			r.log.Error("commit retry bookkeeping", "id", it.ID, "seq", it.Seq, "err", err)
		}
		r.store.Release(it)
	}
}

// finalize bounces the item and removes it. If the bounce cannot be
// queued the item stays in the spool; losing mail silently is worse
// than a duplicate attempt on the next pass.
func (r *Runner) finalize(it *spool.Item, reason string) {
	if err := r.bouncer.Bounce(it, reason); err != nil {
		r.log.Error("queue bounce", "id", it.ID, "seq", it.Seq, "err", err)
		r.store.Release(it)
		return
	}
	metricBounces.Inc()
	if err := r.store.Delete(it); err != nil {
		r.log.Error("delete bounced item", "id", it.ID, "seq", it.Seq, "err", err)
		r.store.Release(it)
	}
}
