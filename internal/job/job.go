// Package job defines the domain types for vended jobs: the request
// parameters carried on the wire, trigger classification, funding source,
// and the durable job record itself.
package job

import "time"

// Status is the lifecycle state of a job.
//
// Transitions are owned exclusively by the lifecycle engine:
//
//	received -> admitted -> awaiting_trigger -> executing -> completed
//	                                                       | failed
//	                                                       | refunded
//
// A job leaves awaiting_trigger exactly once; the store enforces this with
// an atomic conditional update.
type Status string

const (
	StatusReceived        Status = "received"
	StatusAdmitted        Status = "admitted"
	StatusAwaitingTrigger Status = "awaiting_trigger"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRefunded        Status = "refunded"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Trigger classifies when an admitted job becomes eligible to execute.
type Trigger string

const (
	// TriggerImmediate fires as soon as the executor has capacity.
	TriggerImmediate Trigger = "immediate"
	// TriggerScheduled fires when the wall clock reaches the run date.
	TriggerScheduled Trigger = "scheduled"
	// TriggerAttested fires when the linked oracle event is attested.
	TriggerAttested Trigger = "attested"
)

// Funding records how a job's admission was paid for. The distinction
// matters at failure time: pre-paid debits are refunded, settled payments
// are not (payment buys attempted execution).
type Funding string

const (
	FundingPayPerUse Funding = "pay_per_use"
	FundingPrepaid   Funding = "prepaid"
)

// Job is the durable record of an admitted job request.
//
// RequestHash and PaymentHash are each globally unique; the store rejects
// any insert that would duplicate either. Once Result or Failure is set the
// record is immutable.
type Job struct {
	ID          int64
	RequestHash string
	PaymentHash string
	Requester   string
	Params      Params
	Status      Status
	Trigger     Trigger
	Funding     Funding
	AmountMsat  int64
	// Encrypted marks a request that arrived in encrypted mode; its
	// result is encrypted to the requester before publication.
	Encrypted   bool
	ScheduledAt *time.Time
	Result      *string
	Failure     *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
