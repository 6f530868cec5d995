package domain

import "context"

type Service interface {
	// PreCheck gates a submission on balance or free-tier quota.
	PreCheck(ctx context.Context, caller Caller) (Decision, error)
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	// Status polls the provider and charges the task once it succeeds.
	Status(ctx context.Context, caller Caller, taskID string) (StatusResult, error)
	Charge(ctx context.Context, task TaskRecord) (ChargeResult, error)
}
