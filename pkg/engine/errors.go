// Package engine implements the rule classification and transformation core
// of zoneshift. It derives a single ProcessingMode from a per-layer rule set,
// validates polygon attributes against it, and applies value-replacement or
// proportional-change transformations inside zone footprints.
package engine

import (
	"errors"
	"fmt"
)

// Code identifies a condition in the engine's error taxonomy.
type Code string

const (
	// CodeRuleConflict indicates an invalid rule-kind mixture. Fatal; raised
	// before any raster I/O.
	CodeRuleConflict Code = "RULE_CONFLICT"

	// CodeMissingLayer indicates a rule references a raster file that does
	// not exist on disk. The layer is skipped; the run continues.
	CodeMissingLayer Code = "MISSING_LAYER"

	// CodeCrsMismatch indicates a raster CRS differs from the vector mask
	// CRS. Fatal; reported per offending layer before abort.
	CodeCrsMismatch Code = "CRS_MISMATCH"

	// CodeOutOfRangeAttribute indicates a replace-bound attribute value is
	// not finite or lies outside [0, 1]. Fatal, raised during validation.
	CodeOutOfRangeAttribute Code = "OUT_OF_RANGE_ATTRIBUTE"

	// CodeLogicalInconsistency indicates a zone where the impervious density
	// attribute is smaller than the building surface fraction. Fatal.
	CodeLogicalInconsistency Code = "LOGICAL_INCONSISTENCY"

	// CodeFractionSumMismatch indicates a zone whose compositional attribute
	// values do not sum to 1 within tolerance. Fatal.
	CodeFractionSumMismatch Code = "FRACTION_SUM_MISMATCH"

	// CodeUndefinedPctChange indicates a percentage change was requested on
	// zero-valued pixels under the "raise" policy. Fatal under "raise".
	CodeUndefinedPctChange Code = "UNDEFINED_PCT_CHANGE"

	// CodeZeroSumPixel indicates pixels whose compositional group sum is
	// exactly zero during normalization. Warning only.
	CodeZeroSumPixel Code = "ZERO_SUM_PIXEL"

	// CodeUnsupportedVectorFormat indicates the vector mask file format is
	// not supported. Fatal, at load time.
	CodeUnsupportedVectorFormat Code = "UNSUPPORTED_VECTOR_FORMAT"

	// CodePolicyDenied indicates a policy gate rejected the run plan.
	CodePolicyDenied Code = "POLICY_DENIED"

	// CodeInternal indicates an unclassified internal failure.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a classified engine error carrying the layer and zone context in
// which the condition was detected.
type Error struct {
	// Code is the condition code for programmatic handling.
	Code Code

	// Message is the human-readable error message.
	Message string

	// Layer is the layer key that caused the error, if applicable.
	Layer LayerKey

	// Zone is the zone index that caused the error, or -1.
	Zone int

	// Err is the underlying error, if any.
	Err error

	// Details contains additional context-specific values.
	Details map[string]interface{}
}

// New creates a classified engine error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Zone: -1}
}

// Newf creates a classified engine error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a classified engine error wrapping err.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Layer != "" && e.Zone >= 0 {
		msg = fmt.Sprintf("[%s] %s (layer=%s, zone=%d)", e.Code, e.Message, e.Layer, e.Zone)
	} else if e.Layer != "" {
		msg = fmt.Sprintf("[%s] %s (layer=%s)", e.Code, e.Message, e.Layer)
	} else if e.Zone >= 0 {
		msg = fmt.Sprintf("[%s] %s (zone=%d)", e.Code, e.Message, e.Zone)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is; two engine errors are equal
// when their codes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithLayer adds layer context to the error.
func (e *Error) WithLayer(key LayerKey) *Error {
	e.Layer = key
	return e
}

// WithZone adds zone context to the error.
func (e *Error) WithZone(zone int) *Error {
	e.Zone = zone
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the engine error code of err, or CodeInternal when err is
// not a classified engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given engine error code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRuleConflict reports whether err is a rule-mixture conflict.
func IsRuleConflict(err error) bool { return HasCode(err, CodeRuleConflict) }

// IsCrsMismatch reports whether err is a CRS mismatch.
func IsCrsMismatch(err error) bool { return HasCode(err, CodeCrsMismatch) }

// IsValidation reports whether err arose from attribute validation.
func IsValidation(err error) bool {
	return HasCode(err, CodeOutOfRangeAttribute) ||
		HasCode(err, CodeLogicalInconsistency) ||
		HasCode(err, CodeFractionSumMismatch)
}
