// Package runner downloads wasm artifacts and executes them inside a
// sandbox with a hard wall-clock budget.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxArtifactBytes caps wasm downloads. Anything larger is rejected
// before execution is attempted.
const MaxArtifactBytes = 25 * 1024 * 1024

// ErrIntegrityMismatch reports that the fetched artifact does not hash to
// the checksum the request pinned.
var ErrIntegrityMismatch = errors.New("artifact checksum mismatch")

// ErrArtifactTooLarge reports that the artifact exceeds MaxArtifactBytes.
var ErrArtifactTooLarge = errors.New("artifact exceeds size limit")

// Fetcher downloads wasm artifacts over HTTP.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher with a bounded request timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Fetch downloads the artifact at url and verifies it against the
// expected hex SHA-256 checksum. The body is read through a hard size
// cap; an oversized or tampered artifact never reaches the sandbox.
func (f *Fetcher) Fetch(ctx context.Context, url, checksum string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	if len(data) > MaxArtifactBytes {
		return nil, ErrArtifactTooLarge
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return nil, ErrIntegrityMismatch
	}
	return data, nil
}
