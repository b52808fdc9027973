package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the marketplace operation a SyncJob performs.
type Action string

const (
	ActionList        Action = "LIST"
	ActionDelist      Action = "DELIST"
	ActionUpdatePrice Action = "UPDATE_PRICE"
)

// String returns the string representation of Action.
func (a Action) String() string {
	return string(a)
}

// IsValid checks if the action is a valid value.
func (a Action) IsValid() bool {
	return a == ActionList || a == ActionDelist || a == ActionUpdatePrice
}

// JobSource records which loop produced a job.
type JobSource string

const (
	SourceUser           JobSource = "USER"
	SourceSaleFanout     JobSource = "SALE_FANOUT"
	SourceReconciliation JobSource = "RECONCILIATION"
	SourcePricing        JobSource = "PRICING"
)

// Job priorities; lower value is served first.
const (
	PriorityDelist      = 0
	PriorityReconcile   = 1
	PriorityList        = 2
	PriorityUpdatePrice = 3
)

// PriorityFor returns the queue priority for an action issued by source.
// Delist always wins; reconciliation fixes outrank routine work.
func PriorityFor(action Action, source JobSource) int {
	switch {
	case action == ActionDelist:
		return PriorityDelist
	case source == SourceReconciliation:
		return PriorityReconcile
	case action == ActionList:
		return PriorityList
	default:
		return PriorityUpdatePrice
	}
}

// SyncJob is one (retried) adapter call against a marketplace.
type SyncJob struct {
	ID             string
	ListingID      string
	Platform       string
	Action         Action
	Price          decimal.Decimal // target price for UpdatePrice
	AttemptCount   int
	NextRetryAt    time.Time
	IdempotencyKey string
	Priority       int
	Source         JobSource
	LastError      string
	CreatedAt      time.Time
}

// Key identifies jobs that can be coalesced in the queue.
func (j *SyncJob) Key() string {
	return j.ListingID + "|" + j.Platform + "|" + string(j.Action)
}

// DeadLetter is a job that exhausted its retries or failed permanently.
// Corresponds to dead_letters table in PostgreSQL.
type DeadLetter struct {
	JobID        string
	ListingID    string
	Platform     string
	Action       Action
	AttemptCount int
	ErrorKind    ErrorKind
	LastError    string
	FailedAt     time.Time
}

// JobOutcome records the result of one worker attempt.
// Corresponds to sync_job_outcomes table in ClickHouse.
type JobOutcome struct {
	JobID      string
	ListingID  string
	Platform   string
	Action     Action
	Attempt    int
	Outcome    Outcome
	ErrorKind  ErrorKind
	Latency    time.Duration
	FinishedAt time.Time
}

// Outcome classifies a worker attempt.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "SUCCEEDED"
	OutcomeRetried      Outcome = "RETRIED"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
	OutcomeDropped      Outcome = "DROPPED"
	OutcomeDeferred     Outcome = "DEFERRED"
)
