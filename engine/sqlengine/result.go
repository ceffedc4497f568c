package sqlengine

import (
	"database/sql"

	"github.com/fernandezvara/embedkit/engine"
)

type result struct {
	conn    *conn // nil once released or for drained results
	rows    *sql.Rows
	columns []string
	failure *engine.Error
	closed  bool
}

var _ engine.Result = (*result)(nil)

func (r *result) Success() bool {
	return r.failure == nil
}

func (r *result) Err() error {
	if r.failure != nil {
		return r.failure
	}
	if r.rows != nil {
		if err := r.rows.Err(); err != nil {
			return r.conn.db.engine.driver.wrap(err)
		}
	}
	return nil
}

func (r *result) Columns() []string {
	return r.columns
}

func (r *result) Next() bool {
	if r.rows == nil || r.closed {
		return false
	}
	return r.rows.Next()
}

// Values scans the current row. Byte slices are copied because the driver
// may reuse them on the next call to Next.
func (r *result) Values() ([]any, error) {
	if r.rows == nil || r.closed {
		return nil, &engine.Error{Category: engine.CategoryArgument, Message: "no current row"}
	}

	vals := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, r.conn.db.engine.driver.wrap(err)
	}

	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = append([]byte(nil), b...)
		}
	}
	return vals, nil
}

func (r *result) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.rows != nil {
		err = r.rows.Close()
	}
	if r.conn != nil {
		r.conn.finish()
	}
	return err
}

type statement struct {
	owner   *conn
	stmt    *sql.Stmt
	failure *engine.Error
}

var _ engine.Statement = (*statement)(nil)

func (s *statement) Valid() bool {
	return s.failure == nil && s.stmt != nil
}

func (s *statement) Err() error {
	if s.failure != nil {
		return s.failure
	}
	return nil
}

func (s *statement) Close() error {
	if s.stmt == nil {
		return nil
	}
	return s.stmt.Close()
}
