package mysql

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

// 以下是按脚本回放的 database/sql 驱动，仓储测试据此断言执行的 SQL 顺序。

type stepKind string

const (
	kindExec     stepKind = "exec"
	kindQuery    stepKind = "query"
	kindBegin    stepKind = "begin"
	kindCommit   stepKind = "commit"
	kindRollback stepKind = "rollback"
)

type step struct {
	kind     stepKind
	sql      string
	affected int64
	rows     resultSet
	err      error
}

type resultSet struct {
	columns []string
	values  [][]driver.Value
}

var (
	beginStep    = step{kind: kindBegin}
	commitStep   = step{kind: kindCommit}
	rollbackStep = step{kind: kindRollback}
)

func execStep(sql string, affected int64) step {
	return step{kind: kindExec, sql: sql, affected: affected}
}

func queryStep(sql string, rows resultSet) step {
	return step{kind: kindQuery, sql: sql, rows: rows}
}

type script struct {
	mu    sync.Mutex
	steps []step
	pos   int
}

var scriptSeq atomic.Int64

func openScripted(t *testing.T, steps ...step) (*sql.DB, *script) {
	t.Helper()
	sc := &script{steps: steps}
	name := fmt.Sprintf("scripted-%d", scriptSeq.Add(1))
	sql.Register(name, sc)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db, sc
}

func (s *script) done(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos != len(s.steps) {
		t.Fatalf("script stopped at step %d of %d", s.pos, len(s.steps))
	}
}

// take 推进脚本，类型或 SQL 不符时返回错误。
func (s *script) take(kind stepKind, query string) (step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return step{}, fmt.Errorf("unscripted %s: %s", kind, query)
	}
	next := s.steps[s.pos]
	if next.kind != kind {
		return step{}, fmt.Errorf("step %d: want %s, got %s", s.pos, next.kind, kind)
	}
	if next.sql != "" && squash(next.sql) != squash(query) {
		return step{}, fmt.Errorf("step %d: want %q, got %q", s.pos, squash(next.sql), squash(query))
	}
	s.pos++
	return next, next.err
}

func squash(query string) string { return strings.Join(strings.Fields(query), " ") }

func (s *script) Open(string) (driver.Conn, error) { return scriptConn{s}, nil }

type scriptConn struct{ s *script }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not scripted: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.s.take(kindBegin, ""); err != nil {
		return nil, err
	}
	return scriptTx(c), nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	st, err := c.s.take(kindExec, query)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(st.affected), nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	st, err := c.s.take(kindQuery, query)
	if err != nil {
		return nil, err
	}
	return &scriptRows{set: st.rows}, nil
}

type scriptTx struct{ s *script }

func (t scriptTx) Commit() error {
	_, err := t.s.take(kindCommit, "")
	return err
}

func (t scriptTx) Rollback() error {
	_, err := t.s.take(kindRollback, "")
	return err
}

type scriptRows struct {
	set resultSet
	pos int
}

func (r *scriptRows) Columns() []string { return r.set.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.set.values) {
		return io.EOF
	}
	copy(dest, r.set.values[r.pos])
	r.pos++
	return nil
}
