package domain

import (
	"errors"

	providerdomain "github.com/smallbiznis/creditledger/internal/provider/domain"
)

var (
	ErrMissingIdentity     = errors.New("missing_identity")
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrLifetimeLimit       = errors.New("lifetime_limit")
	ErrGlobalQuotaExceeded = errors.New("global_quota_exceeded")
	ErrRateLimited         = errors.New("rate_limited")
	ErrTaskNotFound        = errors.New("task_not_found")
	ErrUpstream            = errors.New("upstream_provider_error")
)

// IsQuotaError reports free-tier and throttle rejections.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrLifetimeLimit) ||
		errors.Is(err, ErrGlobalQuotaExceeded) ||
		errors.Is(err, ErrRateLimited)
}

func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrUpstream) ||
		errors.Is(err, providerdomain.ErrUpstream) ||
		errors.Is(err, providerdomain.ErrContentRejected)
}
