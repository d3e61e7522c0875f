// Package schedule fires scheduled jobs when their run date arrives.
//
// The wheel is a min-heap of (run date, job ID) entries drained by a
// single driver goroutine. Firing is advisory: the wheel hands the job ID
// to the lifecycle engine, and the engine's claim step decides whether
// the job actually runs. That keeps the wheel free of exactly-once
// concerns; double-adds and restart replays are harmless.
package schedule

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dvm/internal/job"
)

// Trigger is invoked for each job whose run date has arrived.
type Trigger func(ctx context.Context, jobID int64)

type entry struct {
	jobID int64
	runAt time.Time
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].jobID < h[j].jobID
	}
	return h[i].runAt.Before(h[j].runAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// rescanInterval bounds how stale the wheel can get relative to the
// store when another process writes schedules into the same database.
const rescanInterval = time.Minute

// Wheel holds pending schedules and drives their firing.
type Wheel struct {
	fire Trigger
	now  func() time.Time

	mu      sync.Mutex
	entries entryHeap
	src     Source
	wake    chan struct{}
}

// Option configures a Wheel.
type Option func(*Wheel)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(w *Wheel) { w.now = now }
}

// New creates a Wheel that hands due job IDs to fire.
func New(fire Trigger, opts ...Option) *Wheel {
	w := &Wheel{
		fire: fire,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add registers a job to fire at runAt. A run date already in the past is
// fine; the entry fires on the driver's next pass. Safe to call from any
// goroutine.
func (w *Wheel) Add(jobID int64, runAt time.Time) {
	w.mu.Lock()
	heap.Push(&w.entries, entry{jobID: jobID, runAt: runAt})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending entries.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Source is the slice of the store the wheel needs for seeding and
// periodic rescans.
type Source interface {
	PendingScheduledJobs(ctx context.Context) ([]job.Job, error)
	DueScheduledJobs(ctx context.Context, now time.Time) ([]job.Job, error)
}

// Seed loads every scheduled job still awaiting its trigger into the
// wheel and retains the source for periodic rescans. Called once on
// startup so schedules survive a restart; run dates that passed while
// the process was down fire on the first pass.
func (w *Wheel) Seed(ctx context.Context, src Source) error {
	jobs, err := src.PendingScheduledJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.ScheduledAt == nil {
			continue
		}
		w.Add(j.ID, *j.ScheduledAt)
	}

	w.mu.Lock()
	w.src = src
	w.mu.Unlock()

	slog.Info("schedule wheel seeded", "pending", len(jobs))
	return nil
}

// rescan fires schedules that are due in the store but absent from the
// heap. Refiring an entry the heap already handled is harmless; the
// engine's claim step drops it.
func (w *Wheel) rescan(ctx context.Context) {
	w.mu.Lock()
	src := w.src
	w.mu.Unlock()
	if src == nil {
		return
	}

	jobs, err := src.DueScheduledJobs(ctx, w.now())
	if err != nil {
		slog.Error("schedule rescan failed", "error", err)
		return
	}
	for _, j := range jobs {
		w.fire(ctx, j.ID)
	}
}

// Run drives the wheel until ctx is cancelled. Pops every due entry,
// fires it, then sleeps until the next run date, the next Add, or the
// next store rescan.
func (w *Wheel) Run(ctx context.Context) error {
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		due, wait := w.collectDue()

		for _, id := range due {
			w.fire(ctx, id)
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-w.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-ticker.C:
			if timer != nil {
				timer.Stop()
			}
			w.rescan(ctx)
		case <-timerC:
		}
	}
}

// collectDue pops every entry at or past the current time. The returned
// wait is the duration until the next entry, or -1 when the wheel is
// empty.
func (w *Wheel) collectDue() (due []int64, wait time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for len(w.entries) > 0 && !w.entries[0].runAt.After(now) {
		e := heap.Pop(&w.entries).(entry)
		due = append(due, e.jobID)
	}
	if len(w.entries) == 0 {
		return due, -1
	}
	return due, w.entries[0].runAt.Sub(now)
}
