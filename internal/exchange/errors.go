package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies exchange failures into the retry/fallback taxonomy
// consumed by the execution layer.
type ErrorKind int

const (
	// KindTransport covers network-level failures; retryable as-is.
	KindTransport ErrorKind = iota
	// KindAuth covers signature/key failures; systemic, never retried.
	KindAuth
	// KindInsufficientMargin is the specific margin-balance rejection that
	// triggers the leverage fallback ladder.
	KindInsufficientMargin
	// KindInsufficientBalance is a spot balance rejection.
	KindInsufficientBalance
	// KindNotFound is returned for unknown order ids.
	KindNotFound
	// KindRejected covers every other API rejection.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindInsufficientMargin:
		return "insufficient_margin"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindNotFound:
		return "not_found"
	default:
		return "rejected"
	}
}

// Exchange API codes observed in responses. Code 0 is success.
const (
	codeOK                  = 0
	codeUnauthorized        = 10002
	codeInvalidSignature    = 10007
	codeInsufficientBalance = 20002
	codeInsufficientMargin  = 20005
	codeOrderNotFound       = 30008
)

// APIError is a typed error carrying the exchange result code.
type APIError struct {
	Code    int
	Message string
	Method  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange %s: code %d: %s", e.Method, e.Code, e.Message)
}

// Kind maps the API code into the error taxonomy.
func (e *APIError) Kind() ErrorKind {
	switch e.Code {
	case codeUnauthorized, codeInvalidSignature:
		return KindAuth
	case codeInsufficientBalance:
		return KindInsufficientBalance
	case codeInsufficientMargin:
		return KindInsufficientMargin
	case codeOrderNotFound:
		return KindNotFound
	default:
		return KindRejected
	}
}

// Classify returns the taxonomy kind for any error returned by the client.
// Non-API errors are treated as transport failures.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	return KindTransport
}
