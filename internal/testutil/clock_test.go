package testutil

import (
	"testing"
	"time"
)

func TestWallClockFrozen(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	c := NewWallClock(base)

	if got := c.Now(); !got.Equal(base) {
		t.Errorf("Now() = %v, want %v", got, base)
	}
	if got := c.Now(); !got.Equal(base) {
		t.Errorf("second Now() = %v, want %v", got, base)
	}
}

func TestWallClockAdvance(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	c := NewWallClock(base)

	got := c.Advance(90 * time.Second)
	want := base.Add(90 * time.Second)
	if !got.Equal(want) {
		t.Errorf("Advance() = %v, want %v", got, want)
	}
	if now := c.Now(); !now.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", now, want)
	}
}

func TestWallClockSet(t *testing.T) {
	c := NewWallClock(time.Unix(1700000000, 0).UTC())
	at := time.Unix(1800000000, 0).UTC()
	c.Set(at)
	if now := c.Now(); !now.Equal(at) {
		t.Errorf("Now() after Set = %v, want %v", now, at)
	}
}
