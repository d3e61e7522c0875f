package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	extism "github.com/extism/go-sdk"
)

// ErrTimeout reports that execution exhausted its wall-clock budget.
var ErrTimeout = errors.New("execution exceeded time budget")

// ErrFault reports that the guest trapped, returned a nonzero exit code,
// or otherwise failed before producing output.
var ErrFault = errors.New("execution fault")

// Sandbox executes wasm artifacts in an isolated plugin runtime.
//
// Each Run builds a fresh plugin so no state leaks between jobs. The
// guest gets outbound network access but no filesystem.
type Sandbox struct{}

// NewSandbox creates a Sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Run executes the named function of the wasm artifact with the given
// input, enforcing budget as a hard wall-clock limit. Returns ErrTimeout
// when the budget is exhausted and ErrFault for any guest failure; the
// partial output of a failed run is discarded.
func (s *Sandbox) Run(ctx context.Context, wasm []byte, function, input string, budget time.Duration) (out string, err error) {
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	manifest := extism.Manifest{
		Wasm:         []extism.Wasm{extism.WasmData{Data: wasm}},
		AllowedHosts: []string{"*"},
	}
	config := extism.PluginConfig{
		EnableWasi: true,
	}

	plugin, err := extism.NewPlugin(runCtx, manifest, config, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFault, err)
	}
	defer plugin.Close()

	// A trapping guest can take the runtime down with it.
	defer func() {
		if r := recover(); r != nil {
			out = ""
			err = fmt.Errorf("%w: panic: %v", ErrFault, r)
		}
	}()

	exit, output, callErr := plugin.CallWithContext(runCtx, function, []byte(input))
	if callErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrFault, callErr)
	}
	if exit != 0 {
		return "", fmt.Errorf("%w: exit code %d", ErrFault, exit)
	}
	return string(output), nil
}
