package job

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
)

// Params are the job parameters carried as the request payload.
//
// Time is the execution budget in milliseconds and also drives pricing
// (1 sat per millisecond by convention, configured at the engine).
// Checksum is the sha256 hex digest the fetched artifact must match.
type Params struct {
	URL      string    `json:"url"`
	Function string    `json:"function"`
	Input    string    `json:"input"`
	Time     int64     `json:"time"`
	Checksum string    `json:"checksum"`
	Schedule *Schedule `json:"schedule,omitempty"`
}

// Schedule carries the optional trigger specification.
//
// RunDate alone selects the scheduled trigger. Name or ExpectedOutputs
// select the attested trigger (RunDate then bounds the oracle event's
// maturity, not the firing time).
type Schedule struct {
	RunDate         int64    `json:"run_date,omitempty"`
	Name            string   `json:"name,omitempty"`
	ExpectedOutputs []string `json:"expected_outputs,omitempty"`
}

// Validate checks request shape. It does not consult the clock; schedule
// timing is validated at admission where "now" is well defined.
func (p Params) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("missing url")
	}
	if _, err := url.ParseRequestURI(p.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if p.Function == "" {
		return fmt.Errorf("missing function")
	}
	if p.Time <= 0 {
		return fmt.Errorf("time budget must be positive, got %d", p.Time)
	}
	if len(p.Checksum) != 64 {
		return fmt.Errorf("checksum must be 64 hex chars, got %d", len(p.Checksum))
	}
	if _, err := hex.DecodeString(p.Checksum); err != nil {
		return fmt.Errorf("checksum is not hex: %w", err)
	}
	return nil
}

// Budget returns the execution time budget as a duration.
func (p Params) Budget() time.Duration {
	return time.Duration(p.Time) * time.Millisecond
}

// Classify determines the trigger policy from the schedule block.
//
// No schedule means immediate. A run date with oracle fields (or oracle
// fields alone) means attested; a bare run date means scheduled.
func (p Params) Classify() Trigger {
	s := p.Schedule
	if s == nil {
		return TriggerImmediate
	}
	if s.Name != "" || len(s.ExpectedOutputs) > 0 {
		return TriggerAttested
	}
	if s.RunDate > 0 {
		return TriggerScheduled
	}
	return TriggerImmediate
}

// RunDate returns the scheduled activation time, if any.
func (p Params) RunDate() *time.Time {
	if p.Schedule == nil || p.Schedule.RunDate <= 0 {
		return nil
	}
	t := time.Unix(p.Schedule.RunDate, 0).UTC()
	return &t
}
