package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// step 是脚本中的一次预期调用。query 为空时不比较 SQL 文本。
type step struct {
	kind     string
	query    string
	affected int64
	rows     mockRowsData
	err      error
	args     []driver.Value
	checkArg bool
}

// mockOperation 保留给测试用例构造脚本。
type mockOperation = step

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

func execOp(query string, rowsAffected int64) step {
	return step{kind: "exec", query: query, affected: rowsAffected}
}

func failingExecOp(query string, err error) step {
	return step{kind: "exec", query: query, err: err}
}

func queryOp(query string, rows mockRowsData) step {
	return step{kind: "query", query: query, rows: rows}
}

func beginOp() step    { return step{kind: "begin"} }
func commitOp() step   { return step{kind: "commit"} }
func rollbackOp() step { return step{kind: "rollback"} }

// withArgs 要求调用携带的参数与 args 完全一致。
func (s step) withArgs(args ...driver.Value) step {
	s.args, s.checkArg = args, true
	return s
}

// scriptDriver 按脚本顺序应答数据库调用，任何偏离都会让调用返回错误。
type scriptDriver struct {
	mu    sync.Mutex
	steps []step
	pos   int
}

var scriptSeq atomic.Int64

func newMockDB(t *testing.T, dialect Dialect, steps []step) (*DB, *scriptDriver) {
	t.Helper()

	drv := &scriptDriver{steps: steps}
	name := fmt.Sprintf("sqlstore-script-%d", scriptSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return Wrap(db, dialect), drv
}

func (d *scriptDriver) assertConsumed(t *testing.T) {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos != len(d.steps) {
		next := d.steps[min(d.pos, len(d.steps)-1)]
		t.Fatalf("script stopped at step %d of %d (next: %s %q)", d.pos, len(d.steps), next.kind, compact(next.query))
	}
}

func (d *scriptDriver) take(kind, query string, args []driver.NamedValue) (step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pos >= len(d.steps) {
		return step{}, fmt.Errorf("unscripted %s %q", kind, compact(query))
	}
	want := d.steps[d.pos]
	d.pos++
	switch {
	case want.kind != kind:
		return step{}, fmt.Errorf("step %d: want %s, got %s %q", d.pos, want.kind, kind, compact(query))
	case want.query != "" && compact(want.query) != compact(query):
		return step{}, fmt.Errorf("step %d: want %q, got %q", d.pos, compact(want.query), compact(query))
	case want.checkArg:
		if err := sameArgs(want.args, args); err != nil {
			return step{}, fmt.Errorf("step %d: %w", d.pos, err)
		}
	}
	return want, want.err
}

func sameArgs(want []driver.Value, got []driver.NamedValue) error {
	if len(want) != len(got) {
		return fmt.Errorf("want %d args, got %d", len(want), len(got))
	}
	for i := range want {
		if fmt.Sprint(want[i]) != fmt.Sprint(got[i].Value) {
			return fmt.Errorf("arg %d: want %v, got %v", i+1, want[i], got[i].Value)
		}
	}
	return nil
}

func (d *scriptDriver) Open(string) (driver.Conn, error) { return scriptConn{d}, nil }

type scriptConn struct{ d *scriptDriver }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare is not scripted: %s", compact(query))
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.d.take("begin", "", nil); err != nil {
		return nil, err
	}
	return scriptTx{c.d}, nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	s, err := c.d.take("exec", query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(s.affected), nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	s, err := c.d.take("query", query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{data: s.rows}, nil
}

type scriptTx struct{ d *scriptDriver }

func (t scriptTx) Commit() error {
	_, err := t.d.take("commit", "", nil)
	return err
}

func (t scriptTx) Rollback() error {
	_, err := t.d.take("rollback", "", nil)
	return err
}

type scriptRows struct {
	data mockRowsData
	next int
}

func (r *scriptRows) Columns() []string { return r.data.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.next >= len(r.data.values) {
		return io.EOF
	}
	copy(dest, r.data.values[r.next])
	r.next++
	return nil
}

func compact(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
