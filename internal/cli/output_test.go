package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernandezvara/embedkit"
	"github.com/fernandezvara/embedkit/engine"
)

func TestExitError(t *testing.T) {
	cause := errors.New("disk on fire")

	plain := NewExitError(ExitCommandError, "bad flags")
	assert.Equal(t, "bad flags", plain.Error())
	assert.Nil(t, plain.Unwrap())

	wrapped := WrapExitError(ExitFailure, "query failed", cause)
	assert.Equal(t, "query failed: disk on fire", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exit error", NewExitError(ExitCommandError, "x"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "x", nil)), ExitFailure},
		{"plain error", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestOutputSuccessText(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}

	require.NoError(t, f.Success(ExecResult{Statements: 2, Executed: 1}))
	assert.Equal(t, "1 of 2 statements executed\n", buf.String())
}

func TestOutputSuccessJSON(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Success(ExecResult{Statements: 2, Executed: 2}))
	assert.JSONEq(t, `{"status":"ok","data":{"statements":2,"executed":2}}`, buf.String())
}

func TestOutputErrorText(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "text", Writer: &buf}

	require.NoError(t, f.Error(errors.New("boom")))
	assert.Empty(t, buf.String())
}

func TestOutputErrorJSON(t *testing.T) {
	t.Run("embedkit error", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "json", Writer: &buf}

		err := &embedkit.Error{
			Code:     embedkit.CodeQueryFailed,
			Message:  "UNIQUE constraint failed",
			Op:       "Exec.Result",
			Category: engine.CategoryConstraint,
		}
		require.NoError(t, f.Error(err))

		var resp Response
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "QUERY_FAILED", resp.Error.Code)
		assert.Equal(t, "constraint", resp.Error.Category)
		assert.Equal(t, err.Error(), resp.Error.Message)
	})

	t.Run("foreign error", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "json", Writer: &buf}

		require.NoError(t, f.Error(errors.New("boom")))
		assert.JSONEq(t, `{"status":"error","error":{"code":"UNKNOWN","message":"boom"}}`, buf.String())
	})
}

func TestTableText(t *testing.T) {
	var buf bytes.Buffer
	table := &Table{
		Columns: []string{"id", "blob", "note"},
		Rows: [][]any{
			{int64(1), []byte{0xde, 0xad}, "x"},
			{int64(2), nil, 1.5},
		},
	}

	f := &OutputFormatter{Format: "text", Writer: &buf}
	require.NoError(t, f.Success(table))
	assert.Equal(t, "id\tblob\tnote\n1\tdead\tx\n2\tNULL\t1.5\n(2 rows)\n", buf.String())
}
