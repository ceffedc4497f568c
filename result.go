package embedkit

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/fernandezvara/embedkit/engine"
)

// ResultSet is the rows produced by Query or Execute. It is not safe for
// concurrent use. Close must be called to release the connection.
type ResultSet struct {
	conn    *Conn
	raw     engine.Result
	prev    ConnState
	gen     uint64
	query   string
	columns []string
	row     []any
	err     error
	closed  bool
}

func newResultSet(c *Conn, raw engine.Result, o operation, query string) *ResultSet {
	return &ResultSet{
		conn:    c,
		raw:     raw,
		prev:    o.prev,
		gen:     o.gen,
		query:   query,
		columns: raw.Columns(),
	}
}

// Columns returns the column names.
func (r *ResultSet) Columns() []string {
	return r.columns
}

// Next advances to the next row. It returns false when the rows are
// exhausted or reading failed; check Err afterwards.
func (r *ResultSet) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	if !r.raw.Next() {
		r.row = nil
		r.err = r.raw.Err()
		return false
	}
	vals, err := r.raw.Values()
	if err != nil {
		r.row = nil
		r.err = err
		return false
	}
	r.row = vals
	return true
}

// Values returns the current row.
func (r *ResultSet) Values() []any {
	return r.row
}

// Value returns column i of the current row.
func (r *ResultSet) Value(i int) (any, error) {
	if r.row == nil {
		return nil, newError(CodeInvalidColumn, "ResultSet.Value", "no current row")
	}
	if i < 0 || i >= len(r.row) {
		return nil, newError(CodeInvalidColumn, "ResultSet.Value",
			fmt.Sprintf("column %d out of range [0,%d)", i, len(r.row)))
	}
	return r.row[i], nil
}

// Scan copies the current row into dest. Supported destinations are
// *any, *string, *[]byte, *int64, *int, *float64, *bool and *time.Time.
func (r *ResultSet) Scan(dest ...any) error {
	if r.row == nil {
		return newError(CodeInvalidColumn, "ResultSet.Scan", "no current row")
	}
	if len(dest) != len(r.row) {
		return newError(CodeInvalidColumn, "ResultSet.Scan",
			fmt.Sprintf("expected %d destinations, got %d", len(r.row), len(dest)))
	}
	for i, d := range dest {
		if err := assign(d, r.row[i]); err != nil {
			err.Op = "ResultSet.Scan"
			err.Message = fmt.Sprintf("column %d (%s): %s", i, r.columns[i], err.Message)
			return err
		}
	}
	return nil
}

// Err returns the error that stopped iteration, if any.
func (r *ResultSet) Err() error {
	if r.err == nil {
		return nil
	}
	return &Error{
		Code:     CodeQueryFailed,
		Message:  engine.MessageOf(r.err),
		Op:       "ResultSet.Next",
		Category: engine.CategoryOf(r.err),
		Query:    truncateQuery(r.query, 200),
		Cause:    r.err,
	}
}

// Close releases the rows and returns the connection to the state it had
// before the statement. Closing a ResultSet whose connection has since been
// reinitialized does not affect the connection. Close is idempotent.
func (r *ResultSet) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.row = nil

	err := r.raw.Close()
	r.conn.finishResult(r)
	if err != nil {
		return &Error{
			Code:    CodeQueryFailed,
			Message: "failed to close result",
			Op:      "ResultSet.Close",
			Cause:   err,
		}
	}
	return nil
}

// All reads the remaining rows and closes the result set.
func (r *ResultSet) All() ([][]any, error) {
	var rows [][]any
	for r.Next() {
		rows = append(rows, r.row)
	}
	iterErr := r.Err()
	closeErr := r.Close()
	if iterErr != nil {
		return rows, iterErr
	}
	return rows, closeErr
}

// drain discards the remaining rows and closes the result set.
func (r *ResultSet) drain() error {
	for !r.closed && r.err == nil && r.raw.Next() {
	}
	if r.err == nil && !r.closed {
		r.err = r.raw.Err()
	}
	iterErr := r.Err()
	closeErr := r.Close()
	if iterErr != nil {
		return iterErr
	}
	return closeErr
}

// finishResult ends the operation started by the query that produced rs.
// A read failure fails the connection like any other engine failure.
func (c *Conn) finishResult(rs *ResultSet) {
	var rec ErrorRecord
	if rs.err != nil {
		rec = ErrorRecord{Message: engine.MessageOf(rs.err), Category: engine.CategoryOf(rs.err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || rs.gen != c.gen || c.state != StateBusy {
		return
	}
	if rs.err != nil {
		c.errs.set(OpQuery, rec.Message, rec.Category)
		c.markFailedLocked()
		return
	}
	c.state = rs.prev
}

// LogicalType names the engine type of a typed NULL parameter.
type LogicalType int

const (
	TypeBool LogicalType = iota + 1
	TypeInt64
	TypeDouble
	TypeString
	TypeBlob
	TypeTimestamp
)

func (t LogicalType) String() string {
	switch t {
	case TypeBool:
		return "BOOL"
	case TypeInt64:
		return "INT64"
	case TypeDouble:
		return "DOUBLE"
	case TypeString:
		return "STRING"
	case TypeBlob:
		return "BLOB"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return fmt.Sprintf("LogicalType(%d)", int(t))
	}
}

// null returns the typed NULL for t.
func (t LogicalType) null() (any, bool) {
	switch t {
	case TypeBool:
		return sql.NullBool{}, true
	case TypeInt64:
		return sql.NullInt64{}, true
	case TypeDouble:
		return sql.NullFloat64{}, true
	case TypeString:
		return sql.NullString{}, true
	case TypeBlob:
		return []byte(nil), true
	case TypeTimestamp:
		return sql.NullTime{}, true
	default:
		return nil, false
	}
}

// MaxBindPosition is the highest parameter position accepted by Bind.
const MaxBindPosition = 32766

// PreparedStatement is a compiled statement bound to the connection that
// prepared it. Positions are 1-based. It is not safe for concurrent use.
type PreparedStatement struct {
	conn   *Conn
	raw    engine.Statement
	gen    uint64
	text   string
	params []any
	closed bool
}

// Bind sets the parameter at pos. Supported values are nil, bool, integer
// and float kinds, string, []byte and time.Time.
func (s *PreparedStatement) Bind(pos int, value any) error {
	if err := s.checkPosition(pos); err != nil {
		return err
	}
	v, ok := normalizeParam(value)
	if !ok {
		return newError(CodeBindFailed, "Bind", fmt.Sprintf("unsupported parameter type %T at position %d", value, pos))
	}
	s.set(pos, v)
	return nil
}

// BindNull sets the parameter at pos to a NULL of type t.
func (s *PreparedStatement) BindNull(pos int, t LogicalType) error {
	if err := s.checkPosition(pos); err != nil {
		return err
	}
	v, ok := t.null()
	if !ok {
		return newError(CodeInvalidArgument, "BindNull", fmt.Sprintf("unknown logical type %d", int(t)))
	}
	s.set(pos, v)
	return nil
}

// ClearBindings resets every parameter to NULL.
func (s *PreparedStatement) ClearBindings() {
	clear(s.params)
}

// Close releases the compiled statement. Close is idempotent.
func (s *PreparedStatement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.params = nil
	if err := s.raw.Close(); err != nil {
		return &Error{Code: CodePrepareFailed, Message: "failed to close statement", Op: "PreparedStatement.Close", Cause: err}
	}
	return nil
}

// Text returns the statement source.
func (s *PreparedStatement) Text() string {
	return s.text
}

func (s *PreparedStatement) checkPosition(pos int) error {
	if s.closed {
		return newError(CodeBindFailed, "Bind", "statement is closed")
	}
	if pos < 1 || pos > MaxBindPosition {
		return newError(CodeBindFailed, "Bind", fmt.Sprintf("parameter position %d out of range [1,%d]", pos, MaxBindPosition))
	}
	return nil
}

func (s *PreparedStatement) set(pos int, v any) {
	for len(s.params) < pos {
		s.params = append(s.params, nil)
	}
	s.params[pos-1] = v
}

func (s *PreparedStatement) args() []any {
	out := make([]any, len(s.params))
	copy(out, s.params)
	return out
}

// normalizeParam maps Go values onto the parameter types every engine
// accepts.
func normalizeParam(v any) (any, bool) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, []byte, time.Time:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case float32:
		return float64(x), true
	default:
		return nil, false
	}
}

// assign stores src into dest.
func assign(dest, src any) *Error {
	mismatch := func() *Error {
		return newError(CodeTypeMismatch, "", fmt.Sprintf("cannot store %T into %T", src, dest))
	}
	conversion := func(err error) *Error {
		return &Error{Code: CodeConversion, Message: fmt.Sprintf("cannot convert %v into %T", src, dest), Cause: err}
	}

	if d, ok := dest.(*any); ok {
		*d = src
		return nil
	}
	if src == nil {
		return newError(CodeConversion, "", fmt.Sprintf("cannot store NULL into %T", dest))
	}

	switch d := dest.(type) {
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		case []byte:
			*d = string(s)
		case int64:
			*d = strconv.FormatInt(s, 10)
		case float64:
			*d = strconv.FormatFloat(s, 'g', -1, 64)
		case bool:
			*d = strconv.FormatBool(s)
		case time.Time:
			*d = s.Format(time.RFC3339Nano)
		default:
			return mismatch()
		}
	case *[]byte:
		switch s := src.(type) {
		case []byte:
			*d = append([]byte(nil), s...)
		case string:
			*d = []byte(s)
		default:
			return mismatch()
		}
	case *int64:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = n
	case *int:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int(n)
	case *float64:
		switch s := src.(type) {
		case float64:
			*d = s
		case int64:
			*d = float64(s)
		case string, []byte:
			f, err := strconv.ParseFloat(asString(s), 64)
			if err != nil {
				return conversion(err)
			}
			*d = f
		default:
			return mismatch()
		}
	case *bool:
		switch s := src.(type) {
		case bool:
			*d = s
		case int64:
			*d = s != 0
		case string, []byte:
			b, err := strconv.ParseBool(asString(s))
			if err != nil {
				return conversion(err)
			}
			*d = b
		default:
			return mismatch()
		}
	case *time.Time:
		switch s := src.(type) {
		case time.Time:
			*d = s
		case string, []byte:
			t, err := parseTime(asString(s))
			if err != nil {
				return conversion(err)
			}
			*d = t
		default:
			return mismatch()
		}
	default:
		return mismatch()
	}
	return nil
}

func toInt64(src any) (int64, *Error) {
	switch s := src.(type) {
	case int64:
		return s, nil
	case float64:
		if s != math.Trunc(s) || s > math.MaxInt64 || s < math.MinInt64 {
			return 0, newError(CodeConversion, "", fmt.Sprintf("cannot convert %v into an integer", s))
		}
		return int64(s), nil
	case bool:
		if s {
			return 1, nil
		}
		return 0, nil
	case string, []byte:
		n, err := strconv.ParseInt(asString(s), 10, 64)
		if err != nil {
			return 0, &Error{Code: CodeConversion, Message: fmt.Sprintf("cannot convert %q into an integer", asString(s)), Cause: err}
		}
		return n, nil
	default:
		return 0, newError(CodeTypeMismatch, "", fmt.Sprintf("cannot store %T into an integer", src))
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
