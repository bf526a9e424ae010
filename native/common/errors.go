package common

import "errors"

// ErrorClass buckets ledger errors by how callers are expected to react.
type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassConfiguration
	ClassCapability
	ClassEconomicSafety
	ClassMisuse
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassCapability:
		return "capability"
	case ClassEconomicSafety:
		return "economic_safety"
	case ClassMisuse:
		return "misuse"
	default:
		return "internal"
	}
}

// Error is a named sentinel carrying its class. Sentinels are compared by
// identity, so wrapping with %w keeps errors.Is working.
type Error struct {
	class ErrorClass
	msg   string
}

func NewError(class ErrorClass, msg string) *Error {
	return &Error{class: class, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Class() ErrorClass { return e.class }

// Classify walks the wrap chain and returns the class of the first classified
// error. Unclassified errors are internal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassInternal
	}
	var classified interface{ Class() ErrorClass }
	if errors.As(err, &classified) {
		return classified.Class()
	}
	return ClassInternal
}
