package engine

import (
	"errors"
	"fmt"
)

// Category is a coarse classification of an engine failure.
type Category string

const (
	CategoryUnknown     Category = "unknown"
	CategoryTimeout     Category = "timeout"
	CategoryInterrupt   Category = "interrupt"
	CategoryMemory      Category = "memory"
	CategoryConstraint  Category = "constraint"
	CategoryTransaction Category = "transaction"
	CategoryConnection  Category = "connection"
	CategoryArgument    Category = "argument"
)

// Error is a failure reported by an engine implementation. Category is set
// when the engine exposes a real error code; otherwise it is
// CategoryUnknown and callers fall back to message heuristics.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Category != "" && e.Category != CategoryUnknown {
		return fmt.Sprintf("engine: %s (%s)", e.Message, e.Category)
	}
	return "engine: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CategoryOf returns the category carried by err, or CategoryUnknown.
func CategoryOf(err error) Category {
	var engErr *Error
	if errors.As(err, &engErr) && engErr.Category != "" {
		return engErr.Category
	}
	return CategoryUnknown
}

// MessageOf returns the engine message carried by err, or err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Message
	}
	return err.Error()
}
