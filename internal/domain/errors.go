package domain

import "errors"

// Business-rule and transport sentinels. Validation and business-rule errors
// surface synchronously to the caller and are never queued; remote
// unavailability is absorbed by the pending-operation queue.
var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrPriceBelowCost         = errors.New("price below cost")
	ErrPaymentMismatch        = errors.New("payment mismatch")
	ErrUnauthorizedDifference = errors.New("unauthorized cash difference")
	ErrAlreadyOpen            = errors.New("cashbox already open")
	ErrNoActiveShift          = errors.New("no active shift")
	ErrRemoteUnavailable      = errors.New("remote unavailable")
	ErrMaxRetriesExceeded     = errors.New("max retries exceeded")
	ErrCartCompleted          = errors.New("cart already completed")
	ErrForbidden              = errors.New("capability not granted")
)
