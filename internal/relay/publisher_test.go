package relay

import (
	"context"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dvm/internal/job"
)

type upperEncryptor struct{}

func (upperEncryptor) Encrypt(_, plaintext string) (string, error) {
	return strings.ToUpper(plaintext), nil
}

func testPublisher(enc Encryptor) (*Publisher, *[]nostr.Event) {
	sk := nostr.GeneratePrivateKey()
	p := NewPublisher(nil, nil, sk, enc)
	var published []nostr.Event
	p.publish = func(_ context.Context, ev nostr.Event) error {
		published = append(published, ev)
		return nil
	}
	return p, &published
}

func resultJob(encrypted bool) job.Job {
	return job.Job{
		ID:          7,
		RequestHash: "req-hash",
		PaymentHash: "pay-hash",
		Requester:   "npub-requester",
		Encrypted:   encrypted,
	}
}

func TestPublishResult_CorrelatesByPaymentHash(t *testing.T) {
	p, published := testPublisher(nil)

	id, err := p.PublishResult(context.Background(), resultJob(false), "output")
	require.NoError(t, err)
	require.Len(t, *published, 1)

	ev := (*published)[0]
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, KindJobResult, ev.Kind)
	assert.Equal(t, "output", ev.Content)

	x := ev.Tags.GetFirst([]string{"x"})
	require.NotNil(t, x)
	assert.Equal(t, "pay-hash", (*x)[1])
	pTag := ev.Tags.GetFirst([]string{"p"})
	require.NotNil(t, pTag)
	assert.Equal(t, "npub-requester", (*pTag)[1])
}

func TestPublishResult_EncryptsForEncryptedJobs(t *testing.T) {
	p, published := testPublisher(upperEncryptor{})

	_, err := p.PublishResult(context.Background(), resultJob(true), "secret output")
	require.NoError(t, err)
	assert.Equal(t, "SECRET OUTPUT", (*published)[0].Content)
}

func TestPublishFailure(t *testing.T) {
	p, published := testPublisher(nil)

	err := p.PublishFailure(context.Background(), resultJob(false), "EXECUTION_TIMEOUT: budget exhausted")
	require.NoError(t, err)
	require.Len(t, *published, 1)

	ev := (*published)[0]
	assert.Equal(t, KindFeedback, ev.Kind)
	status := ev.Tags.GetFirst([]string{"status"})
	require.NotNil(t, status)
	assert.Equal(t, "error", (*status)[1])
	assert.Contains(t, ev.Content, "EXECUTION_TIMEOUT")
}
