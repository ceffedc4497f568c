package embedkit

import (
	"errors"
	"fmt"
)

// ErrorCode represents an embedkit error classification
type ErrorCode string

const (
	CodeDatabaseInit      ErrorCode = "DATABASE_INIT"
	CodeConnectionInit    ErrorCode = "CONNECTION_INIT"
	CodeInvalidConnection ErrorCode = "INVALID_CONNECTION"
	CodeBusy              ErrorCode = "BUSY"
	CodeQueryFailed       ErrorCode = "QUERY_FAILED"
	CodePrepareFailed     ErrorCode = "PREPARE_FAILED"
	CodeBindFailed        ErrorCode = "BIND_FAILED"
	CodeExecuteFailed     ErrorCode = "EXECUTE_FAILED"
	CodeInvalidColumn     ErrorCode = "INVALID_COLUMN"
	CodeTypeMismatch      ErrorCode = "TYPE_MISMATCH"
	CodeConversion        ErrorCode = "CONVERSION"
	CodeTransactionFailed ErrorCode = "TRANSACTION_FAILED"
	CodeTransactionClosed ErrorCode = "TRANSACTION_CLOSED"
	CodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	CodePoolExhausted     ErrorCode = "POOL_EXHAUSTED"
	CodePoolClosed        ErrorCode = "POOL_CLOSED"
	CodeUnknown           ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrDatabaseInit      = errors.New("embedkit: database initialization failed")
	ErrConnectionInit    = errors.New("embedkit: connection initialization failed")
	ErrInvalidConnection = errors.New("embedkit: invalid connection")
	ErrBusy              = errors.New("embedkit: connection busy")
	ErrQueryFailed       = errors.New("embedkit: query failed")
	ErrPrepareFailed     = errors.New("embedkit: prepare failed")
	ErrBindFailed        = errors.New("embedkit: bind failed")
	ErrExecuteFailed     = errors.New("embedkit: execute failed")
	ErrInvalidColumn     = errors.New("embedkit: invalid column")
	ErrTypeMismatch      = errors.New("embedkit: type mismatch")
	ErrConversion        = errors.New("embedkit: conversion error")
	ErrTransactionFailed = errors.New("embedkit: transaction failed")
	ErrTransactionClosed = errors.New("embedkit: transaction already closed")
	ErrInvalidArgument   = errors.New("embedkit: invalid argument")
	ErrPoolExhausted     = errors.New("embedkit: pool exhausted")
	ErrPoolClosed        = errors.New("embedkit: pool closed")
)

var sentinels = map[ErrorCode]error{
	CodeDatabaseInit:      ErrDatabaseInit,
	CodeConnectionInit:    ErrConnectionInit,
	CodeInvalidConnection: ErrInvalidConnection,
	CodeBusy:              ErrBusy,
	CodeQueryFailed:       ErrQueryFailed,
	CodePrepareFailed:     ErrPrepareFailed,
	CodeBindFailed:        ErrBindFailed,
	CodeExecuteFailed:     ErrExecuteFailed,
	CodeInvalidColumn:     ErrInvalidColumn,
	CodeTypeMismatch:      ErrTypeMismatch,
	CodeConversion:        ErrConversion,
	CodeTransactionFailed: ErrTransactionFailed,
	CodeTransactionClosed: ErrTransactionClosed,
	CodeInvalidArgument:   ErrInvalidArgument,
	CodePoolExhausted:     ErrPoolExhausted,
	CodePoolClosed:        ErrPoolClosed,
}

// Error is a rich embedkit error with context
type Error struct {
	Code     ErrorCode     // Error classification
	Message  string        // Human-readable message
	Op       string        // Operation that failed (e.g., "Query.Run", "Commit")
	Category ErrorCategory // Engine failure category, when the engine was involved
	Query    string        // Statement that failed, truncated
	Cause    error         // Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("embedkit: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("embedkit.%s: %s", e.Op, e.Message)
	}
	if e.Category != "" && e.Category != CategoryUnknown {
		msg += fmt.Sprintf(" (category: %s)", e.Category)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for sentinel error matching
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && target == sentinel
}

func newError(code ErrorCode, op, msg string) *Error {
	return &Error{Code: code, Op: op, Message: msg}
}

func busyError(op string) *Error {
	return newError(CodeBusy, op, "connection has an open result or a running operation")
}

// IsBusy checks if error reports an overlapping operation on a connection
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsInvalidConnection checks if error reports an unusable connection
func IsInvalidConnection(err error) bool {
	return errors.Is(err, ErrInvalidConnection)
}

// IsTransactionFailed checks if error is a transaction control failure
func IsTransactionFailed(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}

// IsTransactionClosed checks if error reports use of a finished transaction
func IsTransactionClosed(err error) bool {
	return errors.Is(err, ErrTransactionClosed)
}

// IsPoolExhausted checks if error reports a saturated pool
func IsPoolExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

// IsPoolClosed checks if error reports use of a closed pool
func IsPoolClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// GetErrorCode extracts the error code if it's an embedkit error
func GetErrorCode(err error) (ErrorCode, bool) {
	var ekErr *Error
	if errors.As(err, &ekErr) {
		return ekErr.Code, true
	}
	return "", false
}

// GetCategory extracts the engine failure category if available
func GetCategory(err error) (ErrorCategory, bool) {
	var ekErr *Error
	if errors.As(err, &ekErr) && ekErr.Category != "" {
		return ekErr.Category, true
	}
	return "", false
}

// truncateQuery truncates statements for error messages
func truncateQuery(q string, maxLen int) string {
	if len(q) <= maxLen {
		return q
	}
	return q[:maxLen] + "..."
}

// categoryOf returns the category carried by err, or CategoryUnknown
func categoryOf(err error) ErrorCategory {
	if c, ok := GetCategory(err); ok {
		return c
	}
	return CategoryUnknown
}
