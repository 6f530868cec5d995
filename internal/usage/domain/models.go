// Package domain describes generation metering: who is calling, which tier
// pays for a task and what a poll returns.
package domain

import (
	"encoding/json"
	"time"

	providerdomain "github.com/smallbiznis/creditledger/internal/provider/domain"
)

// Tier decides how a completed task is paid for.
type Tier string

const (
	// TierPaid charges the ledger of an account with a live paid plan.
	TierPaid Tier = "paid"
	// TierCredits charges the ledger of an account that holds purchased
	// credits without a live paid plan.
	TierCredits Tier = "credits"
	// TierFree consumes the per-source and global free counters.
	TierFree Tier = "free"
	// TierTrusted is exempt from free counters.
	TierTrusted Tier = "trusted"
)

// Charged reports whether the tier draws from the ledger.
func (t Tier) Charged() bool {
	return t == TierPaid || t == TierCredits
}

// Caller is the identity a request is metered against. AccountID is empty
// for anonymous callers, who are identified by SourceIP alone.
type Caller struct {
	AccountID string
	SourceIP  string
}

func (c Caller) Anonymous() bool {
	return c.AccountID == ""
}

// Decision is the outcome of a successful pre-check.
type Decision struct {
	Tier                 Tier
	Balance              int64
	WillDeductCredits    bool
	RequiresSubscription bool
}

type SubmitRequest struct {
	Caller    Caller
	ImageURL  string
	HairStyle string
	HairColor string
}

type SubmitResult struct {
	Success              bool   `json:"success"`
	TaskID               string `json:"taskId"`
	Status               string `json:"status"`
	WillDeductCredits    bool   `json:"willDeductCredits"`
	RequiresSubscription bool   `json:"requiresSubscription"`
}

// TaskRecord pins the submission-time identity and tier of a task so the
// charge does not depend on who happens to poll.
type TaskRecord struct {
	TaskID      string    `json:"task_id"`
	AccountID   string    `json:"account_id,omitempty"`
	SourceIP    string    `json:"source_ip"`
	Tier        Tier      `json:"tier"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// StatusResult is the poll payload. Terminal results are cached and replayed
// byte for byte.
type StatusResult struct {
	TaskStatus        providerdomain.TaskStatus `json:"task_status"`
	Data              json.RawMessage           `json:"data,omitempty"`
	Error             string                    `json:"error,omitempty"`
	CreditsDeducted   *int64                    `json:"creditsDeducted,omitempty"`
	NewCreditBalance  *int64                    `json:"newCreditBalance,omitempty"`
	ShouldStopPolling bool                      `json:"shouldStopPolling"`
	NextPollTime      *time.Time                `json:"nextPollTime,omitempty"`
}

type ChargeResult struct {
	Charged           bool
	AlreadyCharged    bool
	Amount            int64
	Balance           int64
	TransactionNumber string
}
