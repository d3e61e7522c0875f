// Package engine orchestrates the job lifecycle: admission, funding,
// trigger registration, dispatch to the sandboxed executor, and the
// exactly-once commit of results.
//
// The engine holds no durable state of its own. Every transition it
// performs is an atomic store operation, so correctness reduces to the
// store's transactional guarantees plus the orchestration protocol here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dvm/internal/job"
	"github.com/roach88/dvm/internal/oracle"
	"github.com/roach88/dvm/internal/runner"
	"github.com/roach88/dvm/internal/schedule"
	"github.com/roach88/dvm/internal/store"
)

// DefaultPriceMsatPerMs is the execution price: 1 sat per millisecond.
const DefaultPriceMsatPerMs = 1000

// DefaultMaxBudget caps the requestable execution time.
const DefaultMaxBudget = 10 * time.Minute

// attestSweepInterval bounds how long an attestation recorded by another
// process waits before its linked jobs are released here.
const attestSweepInterval = 30 * time.Second

// Executor runs a job's code and returns its raw output. Failures use
// the runner sentinels (ErrIntegrityMismatch, ErrTimeout, ErrFault).
type Executor interface {
	Execute(ctx context.Context, url, checksum, function, input string, budget time.Duration) (string, error)
}

// Publisher delivers results and failures back to the requester. It
// returns an opaque identifier for the published result so the funding
// settlement can be linked to it.
type Publisher interface {
	PublishResult(ctx context.Context, j job.Job, output string) (string, error)
	PublishFailure(ctx context.Context, j job.Job, reason string) error
}

// Submission is an admission request delivered by the protocol adapter.
type Submission struct {
	// Requester is the opaque public identity of the submitter.
	Requester string

	// Params is the decoded request payload.
	Params job.Params

	// PaymentHash is the payment proof for pay-per-use funding. Empty
	// means the job is funded by a pre-paid balance debit.
	PaymentHash string

	// Encrypted marks a request that arrived in encrypted mode.
	Encrypted bool
}

// Engine is the job lifecycle orchestrator.
type Engine struct {
	store   *store.Store
	oracles *oracle.Service
	wheel   *schedule.Wheel
	pool    *runner.Pool
	exec    Executor
	pub     Publisher

	priceMsatPerMs int64
	maxBudget      time.Duration
	now            func() time.Time
}

// Options configures an Engine.
type Options struct {
	// PriceMsatPerMs is the execution price in millisats per millisecond.
	// Defaults to DefaultPriceMsatPerMs.
	PriceMsatPerMs int64

	// MaxBudget caps a request's time budget. Defaults to DefaultMaxBudget.
	MaxBudget time.Duration

	// Workers sizes the execution pool. Defaults to 4.
	Workers int

	// Publisher delivers results. Optional; nil drops publications.
	Publisher Publisher

	// Clock overrides the wall clock. Tests only.
	Clock func() time.Time
}

// New wires an Engine. The oracle service's trigger and the schedule
// wheel are connected to OnTriggerReady here, so every trigger path
// funnels into the same claim.
func New(st *store.Store, oracles *oracle.Service, exec Executor, opts Options) *Engine {
	if opts.PriceMsatPerMs <= 0 {
		opts.PriceMsatPerMs = DefaultPriceMsatPerMs
	}
	if opts.MaxBudget <= 0 {
		opts.MaxBudget = DefaultMaxBudget
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		store:          st,
		oracles:        oracles,
		exec:           exec,
		pub:            opts.Publisher,
		priceMsatPerMs: opts.PriceMsatPerMs,
		maxBudget:      opts.MaxBudget,
		now:            opts.Clock,
	}
	e.pool = runner.NewPool(opts.Workers)
	e.wheel = schedule.New(e.OnTriggerReady, schedule.WithClock(opts.Clock))
	if oracles != nil {
		oracles.SetTrigger(e.OnTriggerReady)
	}
	return e
}

// Run drives the execution pool and the schedule wheel until ctx is
// cancelled. The wheel is seeded first so schedules that came due while
// the process was down fire immediately.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.wheel.Seed(ctx, e.store); err != nil {
		return fmt.Errorf("seed schedule wheel: %w", err)
	}

	e.releaseAttested(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.Run(ctx) })
	g.Go(func() error { return e.wheel.Run(ctx) })
	g.Go(func() error { return e.sweepAttested(ctx) })
	return g.Wait()
}

// sweepAttested periodically releases jobs whose gating event attested
// outside this process: the operator CLI writes attestations into the
// shared database, and a crash can land between the attestation write
// and the fan-out. The claim makes double releases harmless.
func (e *Engine) sweepAttested(ctx context.Context) error {
	ticker := time.NewTicker(attestSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.releaseAttested(ctx)
		}
	}
}

func (e *Engine) releaseAttested(ctx context.Context) {
	ids, err := e.store.UnfiredAttestedJobs(ctx)
	if err != nil {
		slog.Error("attested sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		e.OnTriggerReady(ctx, id)
	}
}

// Price returns the msat price for the given time budget.
func (e *Engine) Price(timeMs int64) int64 {
	return timeMs * e.priceMsatPerMs
}

// Submit admits a job request exactly once.
//
// Validation failures, duplicates, insufficient funds and past-dated
// schedules reject the request with no state change. On success the job
// is durably in awaiting_trigger state with its trigger registered;
// immediate jobs are dispatched at once, subject to executor capacity.
func (e *Engine) Submit(ctx context.Context, sub Submission) (job.Job, error) {
	if err := sub.Params.Validate(); err != nil {
		return job.Job{}, newError(ErrCodeMalformedRequest, err.Error())
	}
	if budget := sub.Params.Budget(); budget > e.maxBudget {
		return job.Job{}, newError(ErrCodeMalformedRequest,
			fmt.Sprintf("time budget %s exceeds maximum %s", budget, e.maxBudget))
	}
	if sub.Requester == "" {
		return job.Job{}, newError(ErrCodeMalformedRequest, "missing requester identity")
	}

	trigger := sub.Params.Classify()
	runDate := sub.Params.RunDate()
	if trigger == job.TriggerScheduled && (runDate == nil || !runDate.After(e.now())) {
		return job.Job{}, newError(ErrCodeInvalidSchedule, "run date must be in the future")
	}

	requestHash, err := job.RequestHash(sub.Requester, sub.Params)
	if err != nil {
		return job.Job{}, newError(ErrCodeMalformedRequest, err.Error())
	}
	price := e.Price(sub.Params.Time)

	j := &job.Job{
		RequestHash: requestHash,
		Requester:   sub.Requester,
		Params:      sub.Params,
		Trigger:     trigger,
		Encrypted:   sub.Encrypted,
	}
	if trigger == job.TriggerScheduled {
		j.ScheduledAt = runDate
	}

	// The gating event is resolved before any money moves so the event
	// link can commit in the same transaction as the job. An attested
	// job admitted without its link would be invisible to the fan-out.
	var eventID int64
	if trigger == job.TriggerAttested {
		sched := sub.Params.Schedule
		eventID, err = e.oracles.EnsureEvent(ctx, sched.Name, oracle.OutcomeSpace{
			Outcomes: sched.ExpectedOutputs,
		})
		if err != nil {
			return job.Job{}, mapStoreErr(err)
		}
	}

	if err := e.fund(ctx, j, sub.PaymentHash, price, eventID); err != nil {
		return job.Job{}, err
	}

	e.registerTrigger(ctx, j)

	slog.Info("job admitted",
		"job_id", j.ID,
		"request_hash", j.RequestHash,
		"trigger", j.Trigger,
		"funding", j.Funding,
		"amount_msat", j.AmountMsat,
	)
	return *j, nil
}

// fund resolves the funding source and inserts the job atomically with
// it. Either the job exists and is paid for, or nothing happened. A
// non-zero eventID commits the event link in the same transaction.
func (e *Engine) fund(ctx context.Context, j *job.Job, paymentHash string, price int64, eventID int64) error {
	if paymentHash != "" {
		settlement, err := e.store.GetSettlement(ctx, paymentHash)
		if errors.Is(err, store.ErrNotFound) {
			return newError(ErrCodeInsufficientFunds, "no settled payment for hash")
		}
		if err != nil {
			return mapStoreErr(err)
		}
		if settlement.AmountMsat < price {
			return newError(ErrCodeInsufficientFunds,
				fmt.Sprintf("settled %d msat, job costs %d msat", settlement.AmountMsat, price))
		}

		j.PaymentHash = paymentHash
		j.Funding = job.FundingPayPerUse
		j.AmountMsat = settlement.AmountMsat
		if eventID != 0 {
			if err := e.store.InsertJobLinked(ctx, j, eventID); err != nil {
				return mapStoreErr(err)
			}
			return nil
		}
		if err := e.store.InsertJob(ctx, j); err != nil {
			return mapStoreErr(err)
		}
		return nil
	}

	// Pre-paid: the payment identity is derived from the request hash so
	// it lives in the same unique identity space as Lightning proofs.
	j.PaymentHash = job.PrepaidPaymentHash(j.RequestHash)
	j.Funding = job.FundingPrepaid
	j.AmountMsat = price
	if eventID != 0 {
		if err := e.store.DebitAndInsertJobLinked(ctx, j.Requester, j, eventID); err != nil {
			return mapStoreErr(err)
		}
		return nil
	}
	if err := e.store.DebitAndInsertJob(ctx, j.Requester, j); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// registerTrigger arms the job's activation path. Attested jobs need
// nothing here: their event link is already durable from admission, and
// the fan-out or the sweep releases them.
func (e *Engine) registerTrigger(ctx context.Context, j *job.Job) {
	switch j.Trigger {
	case job.TriggerImmediate:
		e.OnTriggerReady(ctx, j.ID)

	case job.TriggerScheduled:
		e.wheel.Add(j.ID, *j.ScheduledAt)
	}
}

// AwaitPayment parks a submission until its payment settles. The
// protocol adapter calls this after issuing an invoice; OnPaymentSettled
// completes the admission. The parked submission is durable, so a
// settlement that arrives after a restart still admits the job.
func (e *Engine) AwaitPayment(ctx context.Context, paymentHash string, sub Submission) error {
	err := e.store.ParkSubmission(ctx, store.ParkedSubmission{
		PaymentHash: paymentHash,
		Requester:   sub.Requester,
		Params:      sub.Params,
		Encrypted:   sub.Encrypted,
	})
	if err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// OnPaymentSettled records the settlement and admits the submission that
// was waiting on it. Settlements with no parked submission are logged
// and dropped; balance deposits arrive through the ledger path instead.
func (e *Engine) OnPaymentSettled(ctx context.Context, paymentHash string, amountMsat int64) error {
	parked, err := e.store.GetParkedSubmission(ctx, paymentHash)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("settlement with no parked submission", "payment_hash", paymentHash)
		return nil
	}
	if err != nil {
		return mapStoreErr(err)
	}
	sub := Submission{
		Requester:   parked.Requester,
		Params:      parked.Params,
		PaymentHash: paymentHash,
		Encrypted:   parked.Encrypted,
	}

	requestHash, err := job.RequestHash(sub.Requester, sub.Params)
	if err != nil {
		return newError(ErrCodeMalformedRequest, err.Error())
	}
	err = e.store.RecordSettlement(ctx, store.Payment{
		PaymentHash: paymentHash,
		Account:     sub.Requester,
		AmountMsat:  amountMsat,
		Request:     requestHash,
	})
	// A crash between the settlement write and the admission leaves the
	// payment recorded and the submission parked; the redelivery retries
	// the admission against the already-recorded settlement.
	if err != nil && !errors.Is(err, store.ErrDuplicatePayment) {
		return mapStoreErr(err)
	}

	_, err = e.Submit(ctx, sub)
	if err != nil && CodeOf(err) != ErrCodeDuplicateJob {
		return err
	}
	return e.store.DeleteParkedSubmission(ctx, paymentHash)
}

// OnTriggerReady queues the job for execution. Every trigger path
// (immediate admission, schedule wheel, attestation fan-out) lands here;
// the atomic claim inside the execution task is the sole exactly-once
// gate, so racing calls for the same job are safe.
func (e *Engine) OnTriggerReady(_ context.Context, jobID int64) {
	ok := e.pool.Submit(func(ctx context.Context) {
		e.executeClaimed(ctx, jobID)
	})
	if !ok {
		slog.Warn("execution pool closed, trigger dropped", "job_id", jobID)
	}
}

// executeClaimed runs on a pool worker. At most one invocation per job
// gets past the claim.
func (e *Engine) executeClaimed(ctx context.Context, jobID int64) {
	claimed, err := e.store.ClaimForExecution(ctx, jobID)
	if err != nil {
		slog.Error("claim failed", "job_id", jobID, "error", err)
		return
	}
	if !claimed {
		slog.Debug("job already claimed", "job_id", jobID)
		return
	}

	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("claimed job vanished", "job_id", jobID, "error", err)
		return
	}

	output, execErr := e.exec.Execute(ctx,
		j.Params.URL, j.Params.Checksum, j.Params.Function, j.Params.Input,
		j.Params.Budget())
	if execErr != nil {
		e.fail(ctx, j, execErr)
		return
	}
	e.complete(ctx, j, output)
}

// complete commits the result exactly once and publishes it.
func (e *Engine) complete(ctx context.Context, j job.Job, output string) {
	if err := e.store.CompleteJob(ctx, j.ID, output); err != nil {
		slog.Error("complete failed", "job_id", j.ID, "error", err)
		return
	}
	slog.Info("job completed", "job_id", j.ID, "output_bytes", len(output))

	if e.pub == nil {
		return
	}
	resultID, err := e.pub.PublishResult(ctx, j, output)
	if err != nil {
		slog.Error("result publish failed", "job_id", j.ID, "error", err)
		return
	}
	if j.Funding == job.FundingPayPerUse {
		if err := e.store.SetSettlementResult(ctx, j.PaymentHash, resultID); err != nil {
			slog.Error("settlement link failed", "job_id", j.ID, "error", err)
		}
	}
}

// fail records the failure reason and applies the refund policy:
// pre-paid debits are credited back, pay-per-use payments are kept
// (payment is for attempted execution).
func (e *Engine) fail(ctx context.Context, j job.Job, execErr error) {
	reason := failureReason(execErr)

	var err error
	if j.Funding == job.FundingPrepaid {
		err = e.store.FailAndRefundJob(ctx, j.ID, j.Requester, j.AmountMsat, reason)
	} else {
		err = e.store.FailJob(ctx, j.ID, reason)
	}
	if err != nil {
		slog.Error("failure commit failed", "job_id", j.ID, "error", err)
		return
	}
	slog.Info("job failed",
		"job_id", j.ID,
		"reason", reason,
		"refunded", j.Funding == job.FundingPrepaid,
	)

	if e.pub != nil {
		if err := e.pub.PublishFailure(ctx, j, reason); err != nil {
			slog.Error("failure publish failed", "job_id", j.ID, "error", err)
		}
	}
}

// failureReason maps executor sentinels to taxonomy-coded reasons.
func failureReason(err error) string {
	switch {
	case errors.Is(err, runner.ErrIntegrityMismatch):
		return fmt.Sprintf("%s: %v", ErrCodeIntegrityMismatch, err)
	case errors.Is(err, runner.ErrTimeout):
		return fmt.Sprintf("%s: %v", ErrCodeExecutionTimeout, err)
	default:
		return fmt.Sprintf("%s: %v", ErrCodeExecutionFault, err)
	}
}
