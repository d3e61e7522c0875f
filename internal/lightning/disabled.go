package lightning

import (
	"context"
	"errors"
)

// ErrNoBackend reports that no lightning node is configured.
var ErrNoBackend = errors.New("no lightning backend configured")

// Disabled is the backend used when the daemon runs without a lightning
// node. Invoice issuance fails and the settlement stream stays silent,
// so only prepaid balances (credited by the operator) admit jobs.
type Disabled struct{}

// Issue always fails with ErrNoBackend.
func (Disabled) Issue(ctx context.Context, amountMsat int64, memo string) (Invoice, error) {
	return Invoice{}, ErrNoBackend
}

// Subscribe returns a stream that delivers nothing and closes when ctx
// is cancelled.
func (Disabled) Subscribe(ctx context.Context) (<-chan Settlement, error) {
	ch := make(chan Settlement)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
