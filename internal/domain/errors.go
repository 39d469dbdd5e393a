package domain

import (
	"context"
	"errors"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnknownSymbol   = errors.New("unrecognized symbol")
	ErrInvalidNotional = errors.New("notional must be positive")
	ErrUnknownGroup    = errors.New("unknown symbol group")

	// ErrCircuitOpen is returned when a dependency's breaker short-circuits a
	// call. Callers treat it as "temporarily unavailable", never as data loss.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	ErrDeliveryTimeout = errors.New("delivery timed out")
)

// ErrorClass is the coarse taxonomy used by the resilience layer.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassMalformed
	ClassConfig
	ClassCircuitOpen
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassMalformed:
		return "malformed"
	case ClassConfig:
		return "config"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the taxonomy. Anything not explicitly known is
// assumed to be a transient I/O failure.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrUnknownSymbol),
		errors.Is(err, ErrInvalidNotional):
		return ClassMalformed
	case errors.Is(err, ErrUnknownGroup):
		return ClassConfig
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrDeliveryTimeout):
		return ClassTransient
	}
	return ClassTransient
}

// CountsAsFailure reports whether err should count against a dependency's
// circuit breaker.
func CountsAsFailure(err error) bool {
	return Classify(err) == ClassTransient
}
