package types

import "errors"

// Sentinel errors for the coordinator.
var (
	// Throttle errors
	ErrStateUnavailable = errors.New("throttle state store unavailable")

	// Order errors
	ErrFillUnconfirmed = errors.New("fill not confirmed within budget")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidQuantity = errors.New("quantity below instrument minimum")
)
