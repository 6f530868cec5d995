package domain

import (
	"errors"

	"github.com/smallbiznis/creditledger/internal/config"
)

var (
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrPayloadTooLarge  = errors.New("payload_too_large")
	ErrMissingEventType = errors.New("missing_event_type")
	ErrMissingAccount   = errors.New("missing_account_id")
	ErrMissingProduct   = errors.New("missing_product_id")
	ErrUnknownProduct   = config.ErrUnknownProduct
)

// IsValidationError reports errors caused by the delivery itself. Retrying
// the same payload cannot succeed.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrMissingEventType) ||
		errors.Is(err, ErrMissingAccount) ||
		errors.Is(err, ErrMissingProduct) ||
		errors.Is(err, ErrUnknownProduct)
}
