package embedkit

import (
	"strings"
	"sync"
	"time"

	"github.com/fernandezvara/embedkit/engine"
)

// ErrorCategory is the coarse classification stored in an ErrorRecord.
type ErrorCategory = engine.Category

const (
	CategoryUnknown     = engine.CategoryUnknown
	CategoryTimeout     = engine.CategoryTimeout
	CategoryInterrupt   = engine.CategoryInterrupt
	CategoryMemory      = engine.CategoryMemory
	CategoryConstraint  = engine.CategoryConstraint
	CategoryTransaction = engine.CategoryTransaction
	CategoryConnection  = engine.CategoryConnection
	CategoryArgument    = engine.CategoryArgument
)

// OperationKind tags the connection operation that produced an ErrorRecord.
type OperationKind string

const (
	OpQuery       OperationKind = "query"
	OpExecute     OperationKind = "execute"
	OpPrepare     OperationKind = "prepare"
	OpBind        OperationKind = "bind"
	OpTransaction OperationKind = "transaction"
	OpConnection  OperationKind = "connection"
	OpConfig      OperationKind = "config"
	OpValidate    OperationKind = "validate"
)

// ErrorRecord is the most recent failure observed on a connection.
type ErrorRecord struct {
	Op        OperationKind
	Category  ErrorCategory
	Message   string
	Timestamp time.Time
}

var categoryRules = []struct {
	category ErrorCategory
	needles  []string
}{
	{CategoryTimeout, []string{"timeout"}},
	{CategoryInterrupt, []string{"interrupt"}},
	{CategoryMemory, []string{"out of memory", "oom", "bad_alloc"}},
	{CategoryConstraint, []string{"constraint", "unique", "primary key", "foreign key"}},
	{CategoryTransaction, []string{"transaction", "rollback", "commit"}},
	{CategoryConnection, []string{"connect"}},
	{CategoryArgument, []string{"parse", "syntax", "binder", "invalid argument"}},
}

// Categorize derives a category from an engine message. It is a best-effort
// heuristic: case-insensitive substring search, first rule wins.
func Categorize(message string) ErrorCategory {
	lower := strings.ToLower(message)
	for _, rule := range categoryRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// errorRegistry holds at most one ErrorRecord. Reads are snapshots;
// last writer wins.
type errorRegistry struct {
	mu     sync.Mutex
	record *ErrorRecord
}

// set replaces the current record. A hint other than CategoryUnknown comes
// from a real engine error code and takes precedence over the heuristic.
func (r *errorRegistry) set(op OperationKind, message string, hint ErrorCategory) ErrorRecord {
	category := hint
	if category == "" || category == CategoryUnknown {
		category = Categorize(message)
	}

	rec := ErrorRecord{
		Op:        op,
		Category:  category,
		Message:   message,
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	r.record = &rec
	r.mu.Unlock()
	return rec
}

func (r *errorRegistry) clear() {
	r.mu.Lock()
	r.record = nil
	r.mu.Unlock()
}

func (r *errorRegistry) last() (ErrorRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return ErrorRecord{}, false
	}
	return *r.record, true
}
