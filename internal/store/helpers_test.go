package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/dvm/internal/job"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestJob builds a job with unique hashes derived from the seed.
func createTestJob(seed string) *job.Job {
	return &job.Job{
		RequestHash: fmt.Sprintf("req-%s", seed),
		PaymentHash: fmt.Sprintf("pay-%s", seed),
		Requester:   "npub1requester",
		Params: job.Params{
			URL:      "https://example.com/plugin.wasm",
			Function: "run",
			Input:    "hello",
			Time:     1000,
			Checksum: "93e1044d4e1dfc659ef5fb9b58ab09fb165a63cf5de3501ec0bc69f58d9da0db",
		},
		Trigger:    job.TriggerImmediate,
		Funding:    job.FundingPayPerUse,
		AmountMsat: 1_000_000,
	}
}

func mustInsertJob(t *testing.T, s *Store, seed string) *job.Job {
	t.Helper()
	j := createTestJob(seed)
	if err := s.InsertJob(context.Background(), j); err != nil {
		t.Fatalf("InsertJob(%s) failed: %v", seed, err)
	}
	return j
}

func futureTime(d time.Duration) *time.Time {
	t := time.Now().Add(d).UTC()
	return &t
}
