package database

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB implements DBTX and TxBeginner with scripted responses.
type fakeDB struct {
	mu sync.Mutex

	queryRow func(sql string, args []interface{}) pgx.Row
	query    func(sql string, args []interface{}) (pgx.Rows, error)
	exec     func(sql string, args []interface{}) (pgconn.CommandTag, error)

	begun      int
	committed  int
	rolledBack int
	statements []string
}

func (f *fakeDB) record(sql string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, sql)
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	f.record(sql)
	if f.queryRow == nil {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	return f.queryRow(sql, args)
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	f.record(sql)
	if f.query == nil {
		return &fakeRows{}, nil
	}
	return f.query(sql, args)
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.record(sql)
	if f.exec == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return f.exec(sql, args)
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	f.begun++
	f.mu.Unlock()
	return &fakeTx{db: f}, nil
}

// fakeTx embeds pgx.Tx so only the methods used by the store need bodies.
type fakeTx struct {
	pgx.Tx
	db     *fakeDB
	closed bool
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.mu.Lock()
	t.db.committed++
	t.db.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.mu.Lock()
	t.db.rolledBack++
	t.db.mu.Unlock()
	return nil
}

type fakeRow struct {
	values []interface{}
	err    error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]interface{}
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx < len(r.rows) {
		r.idx++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	return assign(dest, r.rows[r.idx-1])
}

func (r *fakeRows) Values() ([]interface{}, error) {
	return r.rows[r.idx-1], nil
}

func assign(dest []interface{}, values []interface{}) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i := range dest {
		dv := reflect.ValueOf(dest[i]).Elem()
		if values[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		sv := reflect.ValueOf(values[i])
		if !sv.Type().AssignableTo(dv.Type()) {
			return fmt.Errorf("scan column %d: cannot assign %s to %s", i, sv.Type(), dv.Type())
		}
		dv.Set(sv)
	}
	return nil
}
