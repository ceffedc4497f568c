package embedkit

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := &Error{Code: CodeQueryFailed, Message: "near \"SELEC\": syntax error", Op: "Exec.Result", Category: CategoryArgument}
	expected := "embedkit.Exec.Result: near \"SELEC\": syntax error (category: argument)"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	err = &Error{Code: CodeBusy, Message: "busy"}
	if err.Error() != "embedkit: busy" {
		t.Errorf("Unexpected format %q", err.Error())
	}

	err = &Error{Code: CodeQueryFailed, Message: "boom", Op: "Query", Category: CategoryUnknown}
	if strings.Contains(err.Error(), "category") {
		t.Errorf("Unknown category should not be printed: %q", err.Error())
	}
}

func TestError_Is(t *testing.T) {
	for code, sentinel := range sentinels {
		err := fmt.Errorf("wrapped: %w", newError(code, "Op", "msg"))
		if !errors.Is(err, sentinel) {
			t.Errorf("Expected %s to match its sentinel", code)
		}
	}

	err := newError(CodeBusy, "Query", "busy")
	if errors.Is(err, ErrQueryFailed) {
		t.Error("Busy error must not match another sentinel")
	}
	if errors.Is(newError(CodeUnknown, "", "x"), ErrQueryFailed) {
		t.Error("Unknown code has no sentinel")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := &Error{Code: CodeExecuteFailed, Message: "failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("Expected cause to be reachable")
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"busy", busyError("Query"), IsBusy},
		{"invalid connection", newError(CodeInvalidConnection, "", ""), IsInvalidConnection},
		{"transaction failed", newError(CodeTransactionFailed, "", ""), IsTransactionFailed},
		{"transaction closed", newError(CodeTransactionClosed, "", ""), IsTransactionClosed},
		{"pool exhausted", newError(CodePoolExhausted, "", ""), IsPoolExhausted},
		{"pool closed", newError(CodePoolClosed, "", ""), IsPoolClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("Expected helper to match %v", tt.err)
			}
			if tt.check(errors.New("plain")) {
				t.Error("Expected helper to reject a plain error")
			}
			if tt.check(nil) {
				t.Error("Expected helper to reject nil")
			}
		})
	}
}

func TestGetErrorCodeAndCategory(t *testing.T) {
	err := fmt.Errorf("outer: %w", &Error{Code: CodeQueryFailed, Category: CategoryConstraint})

	code, ok := GetErrorCode(err)
	if !ok || code != CodeQueryFailed {
		t.Errorf("Expected QUERY_FAILED, got %s", code)
	}
	cat, ok := GetCategory(err)
	if !ok || cat != CategoryConstraint {
		t.Errorf("Expected constraint, got %s", cat)
	}

	if _, ok := GetErrorCode(errors.New("plain")); ok {
		t.Error("Expected no code for a plain error")
	}
	if _, ok := GetCategory(newError(CodeBusy, "", "")); ok {
		t.Error("Expected no category when none was recorded")
	}
	if categoryOf(errors.New("plain")) != CategoryUnknown {
		t.Error("Expected unknown category for a plain error")
	}
}

func TestTruncateQuery(t *testing.T) {
	if got := truncateQuery("SELECT 1", 200); got != "SELECT 1" {
		t.Errorf("Short query changed: %q", got)
	}
	long := strings.Repeat("x", 250)
	if got := truncateQuery(long, 200); len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("Unexpected truncation %q", got)
	}
}
