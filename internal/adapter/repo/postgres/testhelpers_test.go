package postgres_test

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// The fakes below implement postgres.PgxPool and pgx.Tx so repo behaviour
// can be asserted without a live database. Statements issued through the
// pool or an open transaction are recorded in order.

// execCall records one statement with its arguments.
type execCall struct {
	sql  string
	args []any
}

// rowStub implements pgx.Row with a scripted scan.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// valuesRow builds a row assigning the given values in scan order.
func valuesRow(values ...any) rowStub {
	return rowStub{scan: func(dest ...any) error { return assign(dest, values) }}
}

func errRow(err error) rowStub {
	return rowStub{scan: func(...any) error { return err }}
}

// assign copies scripted values into scan destinations, converting where the
// driver would.
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan has %d destinations, row has %d values", len(dest), len(values))
	}
	for i := range dest {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("destination %d is not a pointer", i)
		}
		elem := dv.Elem()
		if values[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		sv := reflect.ValueOf(values[i])
		switch {
		case sv.Type().AssignableTo(elem.Type()):
			elem.Set(sv)
		case sv.Type().ConvertibleTo(elem.Type()):
			elem.Set(sv.Convert(elem.Type()))
		default:
			return fmt.Errorf("cannot scan %s into %s", sv.Type(), elem.Type())
		}
	}
	return nil
}

// fakeRows implements pgx.Rows over scripted value rows.
type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.idx++; return r.idx <= len(r.rows) }
func (r *fakeRows) Scan(dest ...any) error                       { return assign(dest, r.rows[r.idx-1]) }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

// fakePool implements postgres.PgxPool. Rows for QueryRow are consumed from
// rowQueue in FIFO order; an empty queue scans pgx.ErrNoRows.
type fakePool struct {
	mu         sync.Mutex
	execs      []execCall
	execErrFn  func(sql string) error
	affected   int64
	rowQueue   []rowStub
	rowCalls   []execCall
	queryRows  *fakeRows
	queryErr   error
	queryCalls []execCall
	beginErr   error
	commitErr  error
	txs        []*fakeTx
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.exec(sql, args)
}

func (p *fakePool) exec(sql string, args []any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs = append(p.execs, execCall{sql: sql, args: args})
	if p.execErrFn != nil {
		if err := p.execErrFn(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", p.affected)), nil
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return p.queryRow(sql, args)
}

func (p *fakePool) queryRow(sql string, args []any) pgx.Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rowCalls = append(p.rowCalls, execCall{sql: sql, args: args})
	if len(p.rowQueue) == 0 {
		return errRow(pgx.ErrNoRows)
	}
	row := p.rowQueue[0]
	p.rowQueue = p.rowQueue[1:]
	return row
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.query(sql, args)
}

func (p *fakePool) query(sql string, args []any) (pgx.Rows, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls = append(p.queryCalls, execCall{sql: sql, args: args})
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.queryRows == nil {
		return &fakeRows{}, nil
	}
	return p.queryRows, nil
}

func (p *fakePool) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	tx := &fakeTx{pool: p}
	p.txs = append(p.txs, tx)
	return tx, nil
}

// fakeTx implements pgx.Tx, routing statements through the parent pool
// recorder.
type fakeTx struct {
	pool       *fakePool
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return t.pool.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.exec(sql, args)
}

func (t *fakeTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.query(sql, args)
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return t.pool.queryRow(sql, args)
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

func sptr(s string) *string   { return &s }
func fptr(f float64) *float64 { return &f }
