package lightning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettlements struct {
	ch chan Settlement
}

func (f *fakeSettlements) Subscribe(context.Context) (<-chan Settlement, error) {
	return f.ch, nil
}

func TestRoute_DeliversSettlementsInOrder(t *testing.T) {
	fake := &fakeSettlements{ch: make(chan Settlement, 3)}
	fake.ch <- Settlement{PaymentHash: "h1", AmountMsat: 100}
	fake.ch <- Settlement{PaymentHash: "h2", AmountMsat: 200}
	fake.ch <- Settlement{PaymentHash: "h3", AmountMsat: 300}
	close(fake.ch)

	var mu sync.Mutex
	var got []string
	err := Route(context.Background(), fake, func(_ context.Context, hash string, _ int64) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, hash)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2", "h3"}, got)
}

func TestRoute_HandlerErrorDoesNotStall(t *testing.T) {
	fake := &fakeSettlements{ch: make(chan Settlement, 2)}
	fake.ch <- Settlement{PaymentHash: "bad", AmountMsat: 1}
	fake.ch <- Settlement{PaymentHash: "good", AmountMsat: 2}
	close(fake.ch)

	var handled []string
	err := Route(context.Background(), fake, func(_ context.Context, hash string, _ int64) error {
		handled = append(handled, hash)
		if hash == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad", "good"}, handled)
}

func TestRoute_StopsOnCancel(t *testing.T) {
	fake := &fakeSettlements{ch: make(chan Settlement)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Route(ctx, fake, func(context.Context, string, int64) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("route did not stop on cancel")
	}
}
