// Package relay adapts the nostr event protocol to the lifecycle
// engine: it consumes job request events, answers with payment-required
// feedback, and publishes results.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/roach88/dvm/internal/engine"
	"github.com/roach88/dvm/internal/job"
	"github.com/roach88/dvm/internal/lightning"
	"github.com/roach88/dvm/internal/request"
)

// Event kinds for the wasm job vending protocol.
const (
	// KindJobRequest carries an admission request payload.
	KindJobRequest = 5600
	// KindJobResult carries the executor's output back to the requester.
	KindJobResult = 6600
	// KindFeedback carries status updates: payment-required, error.
	KindFeedback = 7000
)

// Decryptor unwraps encrypted request payloads. The core treats
// encryption as an opaque byte transform.
type Decryptor interface {
	Decrypt(senderPubKey, ciphertext string) (string, error)
}

// Admitter is the slice of the lifecycle engine the listener drives.
type Admitter interface {
	Submit(ctx context.Context, sub engine.Submission) (job.Job, error)
	AwaitPayment(ctx context.Context, paymentHash string, sub engine.Submission) error
	Price(timeMs int64) int64
}

// errNoPayload reports a request event without a usable i tag.
var errNoPayload = errors.New("request event has no payload")

// jobPayload extracts the request payload from a job request event.
//
// Plain requests carry the payload in an "i" tag, either ["i", payload]
// or ["i", payload, "text"]. Requests tagged "encrypted" carry
// ciphertext in the event content instead.
func jobPayload(ev *nostr.Event, dec Decryptor) (string, error) {
	if ev.Tags.GetFirst([]string{"encrypted"}) != nil {
		if dec == nil {
			return "", errors.New("encrypted request but no decryptor configured")
		}
		plain, err := dec.Decrypt(ev.PubKey, ev.Content)
		if err != nil {
			return "", fmt.Errorf("decrypt request: %w", err)
		}
		return plain, nil
	}

	tag := ev.Tags.GetFirst([]string{"i"})
	if tag == nil {
		return "", errNoPayload
	}
	t := []string(*tag)
	switch {
	case len(t) == 2:
		return t[1], nil
	case len(t) >= 3 && t[2] == "text":
		return t[1], nil
	default:
		return "", fmt.Errorf("%w: unsupported i tag shape", errNoPayload)
	}
}

// Listener subscribes to job requests and drives admissions.
type Listener struct {
	pool      *nostr.SimplePool
	relays    []string
	secretKey string

	admit  Admitter
	issuer lightning.Issuer
	dec    Decryptor

	// publish is swappable in tests.
	publish func(ctx context.Context, ev nostr.Event) error
}

// NewListener wires a Listener against the given relays.
func NewListener(pool *nostr.SimplePool, relays []string, secretKey string, admit Admitter, issuer lightning.Issuer, dec Decryptor) *Listener {
	l := &Listener{
		pool:      pool,
		relays:    relays,
		secretKey: secretKey,
		admit:     admit,
		issuer:    issuer,
		dec:       dec,
	}
	l.publish = l.publishToRelays
	return l
}

// Run subscribes to job request events from now on and handles them
// until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	since := nostr.Now()
	events := l.pool.SubMany(ctx, l.relays, nostr.Filters{{
		Kinds: []int{KindJobRequest},
		Since: &since,
	}})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case re, ok := <-events:
			if !ok {
				return nil
			}
			if re.Event == nil {
				continue
			}
			l.handle(ctx, re.Event)
		}
	}
}

// handle admits one job request event. Admission rejections become
// feedback events; an unfunded request gets an invoice and is parked
// until the payment settles.
func (l *Listener) handle(ctx context.Context, ev *nostr.Event) {
	payload, err := jobPayload(ev, l.dec)
	if err != nil {
		l.feedback(ctx, ev, "error", err.Error())
		return
	}

	params, err := request.Decode([]byte(payload))
	if err != nil {
		l.feedback(ctx, ev, "error", err.Error())
		return
	}

	sub := engine.Submission{
		Requester: ev.PubKey,
		Params:    params,
		Encrypted: ev.Tags.GetFirst([]string{"encrypted"}) != nil,
	}
	_, err = l.admit.Submit(ctx, sub)
	if err == nil {
		slog.Info("request admitted from balance", "requester", ev.PubKey, "event", ev.ID)
		return
	}
	if engine.CodeOf(err) != engine.ErrCodeInsufficientFunds {
		l.feedback(ctx, ev, "error", err.Error())
		return
	}

	// No balance: invoice the exact price and park the submission.
	price := l.admit.Price(params.Time)
	inv, err := l.issuer.Issue(ctx, price, "wasm job "+ev.ID)
	if err != nil {
		slog.Error("invoice issuance failed", "event", ev.ID, "error", err)
		l.feedback(ctx, ev, "error", "could not issue invoice")
		return
	}

	if err := l.admit.AwaitPayment(ctx, inv.PaymentHash, sub); err != nil {
		slog.Error("parking submission failed", "event", ev.ID, "error", err)
		l.feedback(ctx, ev, "error", "could not issue invoice")
		return
	}
	l.paymentRequired(ctx, ev, inv)
}

// feedback publishes a kind 7000 status event back to the requester.
func (l *Listener) feedback(ctx context.Context, req *nostr.Event, status, message string) {
	ev := nostr.Event{
		Kind:      KindFeedback,
		CreatedAt: nostr.Now(),
		Content:   message,
		Tags: nostr.Tags{
			{"status", status},
			{"e", req.ID},
			{"p", req.PubKey},
		},
	}
	l.sign(&ev)
	if err := l.publish(ctx, ev); err != nil {
		slog.Error("feedback publish failed", "event", req.ID, "error", err)
	}
}

// paymentRequired publishes a kind 7000 event carrying the bolt11.
func (l *Listener) paymentRequired(ctx context.Context, req *nostr.Event, inv lightning.Invoice) {
	ev := nostr.Event{
		Kind:      KindFeedback,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"status", "payment-required"},
			{"amount", fmt.Sprintf("%d", inv.AmountMsat), inv.Bolt11},
			{"e", req.ID},
			{"p", req.PubKey},
		},
	}
	l.sign(&ev)
	if err := l.publish(ctx, ev); err != nil {
		slog.Error("payment-required publish failed", "event", req.ID, "error", err)
	}
}

func (l *Listener) sign(ev *nostr.Event) {
	if err := ev.Sign(l.secretKey); err != nil {
		slog.Error("event signing failed", "kind", ev.Kind, "error", err)
	}
}

func (l *Listener) publishToRelays(ctx context.Context, ev nostr.Event) error {
	var lastErr error
	published := false
	for _, url := range l.relays {
		r, err := l.pool.EnsureRelay(url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := r.Publish(ctx, ev); err != nil {
			lastErr = err
			continue
		}
		published = true
	}
	if !published && lastErr != nil {
		return lastErr
	}
	return nil
}
