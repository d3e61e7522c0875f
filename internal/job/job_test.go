package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() Params {
	return Params{
		URL:      "https://example.com/plugin.wasm",
		Function: "count_vowels",
		Input:    "Hello World",
		Time:     1000,
		Checksum: "93e1044d4e1dfc659ef5fb9b58ab09fb165a63cf5de3501ec0bc69f58d9da0db",
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr string
	}{
		{"valid", func(p *Params) {}, ""},
		{"missing url", func(p *Params) { p.URL = "" }, "missing url"},
		{"bad url", func(p *Params) { p.URL = "not a url" }, "invalid url"},
		{"missing function", func(p *Params) { p.Function = "" }, "missing function"},
		{"zero time", func(p *Params) { p.Time = 0 }, "time budget"},
		{"negative time", func(p *Params) { p.Time = -5 }, "time budget"},
		{"short checksum", func(p *Params) { p.Checksum = "abcd" }, "64 hex chars"},
		{"non-hex checksum", func(p *Params) {
			p.Checksum = "zz" + p.Checksum[2:]
		}, "not hex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParams_Classify(t *testing.T) {
	tests := []struct {
		name     string
		schedule *Schedule
		want     Trigger
	}{
		{"no schedule", nil, TriggerImmediate},
		{"empty schedule", &Schedule{}, TriggerImmediate},
		{"run date only", &Schedule{RunDate: 1900000000}, TriggerScheduled},
		{"named event", &Schedule{RunDate: 1900000000, Name: "X"}, TriggerAttested},
		{"expected outputs", &Schedule{RunDate: 1900000000, ExpectedOutputs: []string{"a", "b"}}, TriggerAttested},
		{"name without run date", &Schedule{Name: "X"}, TriggerAttested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			p.Schedule = tt.schedule
			assert.Equal(t, tt.want, p.Classify())
		})
	}
}

func TestRequestHash_Deterministic(t *testing.T) {
	p := validParams()

	h1, err := RequestHash("npub1requester", p)
	require.NoError(t, err)
	h2, err := RequestHash("npub1requester", p)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestRequestHash_SensitiveToInputs(t *testing.T) {
	p := validParams()
	base, err := RequestHash("npub1requester", p)
	require.NoError(t, err)

	other := p
	other.Input = "Different input"
	h, err := RequestHash("npub1requester", other)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	h, err = RequestHash("npub1other", p)
	require.NoError(t, err)
	assert.NotEqual(t, base, h, "requester must be part of identity")

	sched := p
	sched.Schedule = &Schedule{RunDate: 1900000000}
	h, err = RequestHash("npub1requester", sched)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)
}

func TestPrepaidPaymentHash_DistinctFromRequest(t *testing.T) {
	p := validParams()
	rh, err := RequestHash("npub1requester", p)
	require.NoError(t, err)

	ph := PrepaidPaymentHash(rh)
	assert.Len(t, ph, 64)
	assert.NotEqual(t, rh, ph)
	// Stable derivation.
	assert.Equal(t, ph, PrepaidPaymentHash(rh))
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusAwaitingTrigger.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRefunded.Terminal())
}

func TestParams_RunDate(t *testing.T) {
	p := validParams()
	assert.Nil(t, p.RunDate())

	p.Schedule = &Schedule{RunDate: 1900000000}
	got := p.RunDate()
	require.NotNil(t, got)
	assert.Equal(t, time.Unix(1900000000, 0).UTC(), *got)
}

func TestMarshalCanonical_KeyOrderAndRejects(t *testing.T) {
	b, err := marshalCanonical(map[string]any{"b": int64(2), "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, string(b))

	_, err = marshalCanonical(map[string]any{"f": 1.5})
	assert.Error(t, err, "floats are forbidden")

	_, err = marshalCanonical(nil)
	assert.Error(t, err, "null is forbidden")
}
