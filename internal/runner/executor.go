package runner

import (
	"context"
	"time"
)

// Executor fetches a wasm artifact, verifies its integrity, and runs it
// in the sandbox. This is the execute contract the lifecycle engine
// consumes.
type Executor struct {
	fetcher *Fetcher
	sandbox *Sandbox
}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{
		fetcher: NewFetcher(),
		sandbox: NewSandbox(),
	}
}

// Execute downloads the artifact at url, checks it against checksum, and
// calls the named function with input under the given time budget. The
// budget bounds execution only; the fetch has its own timeout.
func (e *Executor) Execute(ctx context.Context, url, checksum, function, input string, budget time.Duration) (string, error) {
	wasm, err := e.fetcher.Fetch(ctx, url, checksum)
	if err != nil {
		return "", err
	}
	return e.sandbox.Run(ctx, wasm, function, input, budget)
}
