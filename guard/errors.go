package guard

import (
	"errors"
	"strings"
)

// Code classifies a validation failure.
type Code string

const (
	CodeNotFinite         Code = "NOT_FINITE"
	CodeNonPositive       Code = "NON_POSITIVE"
	CodeTooLarge          Code = "TOO_LARGE"
	CodeUnknownTier       Code = "UNKNOWN_LIQUIDITY_TIER"
	CodeSlippageRange     Code = "SLIPPAGE_OUT_OF_RANGE"
	CodePositionCap       Code = "POSITION_EXCEEDS_CAP"
	CodeMaxPositionRange  Code = "MAX_POSITION_OUT_OF_RANGE"
	CodeStopLossRange     Code = "STOP_LOSS_OUT_OF_RANGE"
	CodeTakeProfitRange   Code = "TAKE_PROFIT_OUT_OF_RANGE"
	CodeRewardBelowRisk   Code = "TAKE_PROFIT_NOT_ABOVE_STOP_LOSS"
	CodeInvalidConditions Code = "INVALID_CONDITIONS"
	CodeExitPriceBand     Code = "EXIT_PRICE_OUT_OF_BAND"
)

// Error is a single rejected input.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message + " (" + string(e.Code) + ")"
}

// Errors aggregates several violations. errors.As finds each member.
type Errors []*Error

func (es Errors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (es Errors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// err returns nil for an empty list so callers can `return es.err()`.
func (es Errors) err() error {
	switch len(es) {
	case 0:
		return nil
	case 1:
		return es[0]
	}
	return es
}

// HasCode reports whether err carries a violation with the given code.
func HasCode(err error, code Code) bool {
	var list Errors
	if errors.As(err, &list) {
		for _, e := range list {
			if e.Code == code {
				return true
			}
		}
		return false
	}
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsValidation reports whether err came from this package.
func IsValidation(err error) bool {
	var e *Error
	var list Errors
	return errors.As(err, &e) || errors.As(err, &list)
}
