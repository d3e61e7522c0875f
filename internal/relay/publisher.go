package relay

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/roach88/dvm/internal/job"
)

// Encryptor wraps outbound payloads for requesters that asked for
// encrypted mode. Opaque byte transform, mirror of Decryptor.
type Encryptor interface {
	Encrypt(recipientPubKey, plaintext string) (string, error)
}

// Publisher delivers job results and failures as nostr events. Results
// correlate to the request through the payment-proof hash carried in the
// "x" tag.
type Publisher struct {
	pool      *nostr.SimplePool
	relays    []string
	secretKey string
	enc       Encryptor

	// publish is swappable in tests.
	publish func(ctx context.Context, ev nostr.Event) error
}

// NewPublisher wires a Publisher against the given relays.
func NewPublisher(pool *nostr.SimplePool, relays []string, secretKey string, enc Encryptor) *Publisher {
	p := &Publisher{
		pool:      pool,
		relays:    relays,
		secretKey: secretKey,
		enc:       enc,
	}
	p.publish = p.publishToRelays
	return p
}

// PublishResult publishes a kind 6600 result event and returns its ID.
func (p *Publisher) PublishResult(ctx context.Context, j job.Job, output string) (string, error) {
	content := output
	if p.enc != nil && j.Encrypted {
		enc, err := p.enc.Encrypt(j.Requester, output)
		if err != nil {
			return "", fmt.Errorf("encrypt result: %w", err)
		}
		content = enc
	}

	ev := nostr.Event{
		Kind:      KindJobResult,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags: nostr.Tags{
			{"p", j.Requester},
			{"x", j.PaymentHash},
			{"request", j.RequestHash},
		},
	}
	if err := ev.Sign(p.secretKey); err != nil {
		return "", fmt.Errorf("sign result: %w", err)
	}
	if err := p.publish(ctx, ev); err != nil {
		return "", fmt.Errorf("publish result: %w", err)
	}
	return ev.ID, nil
}

// PublishFailure publishes a kind 7000 error event with the recorded
// reason.
func (p *Publisher) PublishFailure(ctx context.Context, j job.Job, reason string) error {
	ev := nostr.Event{
		Kind:      KindFeedback,
		CreatedAt: nostr.Now(),
		Content:   reason,
		Tags: nostr.Tags{
			{"status", "error"},
			{"p", j.Requester},
			{"x", j.PaymentHash},
		},
	}
	if err := ev.Sign(p.secretKey); err != nil {
		return fmt.Errorf("sign failure: %w", err)
	}
	if err := p.publish(ctx, ev); err != nil {
		return fmt.Errorf("publish failure: %w", err)
	}
	return nil
}

func (p *Publisher) publishToRelays(ctx context.Context, ev nostr.Event) error {
	var lastErr error
	published := false
	for _, url := range p.relays {
		r, err := p.pool.EnsureRelay(url)
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
