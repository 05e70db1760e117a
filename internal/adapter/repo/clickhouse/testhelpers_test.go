package clickhouse_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/require"

	"github.com/quantbed/backtestd/internal/adapter/repo/clickhouse"
)

// assign copies scripted values into Scan destinations, converting where the
// static types differ (uint64 counts into int64 targets and so on).
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan expects %d destinations, got %d", len(values), len(dest))
	}
	for i, v := range values {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Ptr || dv.IsNil() {
			return fmt.Errorf("destination %d is not a pointer", i)
		}
		elem := dv.Elem()
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		switch {
		case sv.Type().AssignableTo(elem.Type()):
			elem.Set(sv)
		case sv.Type().ConvertibleTo(elem.Type()):
			elem.Set(sv.Convert(elem.Type()))
		default:
			return fmt.Errorf("cannot assign %T to %s", v, elem.Type())
		}
	}
	return nil
}

// fakeRows plays back scripted result rows through the driver.Rows surface.
type fakeRows struct {
	rows   [][]any
	idx    int
	err    error
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error           { return assign(dest, r.rows[r.idx-1]) }
func (r *fakeRows) ScanStruct(any) error             { return errors.New("not implemented") }
func (r *fakeRows) ColumnTypes() []driver.ColumnType { return nil }
func (r *fakeRows) Totals(...any) error              { return errors.New("not implemented") }
func (r *fakeRows) Columns() []string                { return nil }
func (r *fakeRows) Close() error                     { r.closed = true; return nil }
func (r *fakeRows) Err() error                       { return r.err }

// fakeRow plays back one scripted row through the driver.Row surface.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Err() error           { return r.err }
func (r fakeRow) ScanStruct(any) error { return errors.New("not implemented") }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

// fakeBatch records appended rows behind the driver.Batch surface.
type fakeBatch struct {
	query     string
	rows      [][]any
	appendErr error
	sendErr   error
	sent      bool
	aborted   bool
	flushes   int
	closed    bool
}

func (b *fakeBatch) Append(v ...any) error {
	if b.appendErr != nil {
		return b.appendErr
	}
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error                  { b.aborted = true; return nil }
func (b *fakeBatch) AppendStruct(any) error        { return errors.New("not implemented") }
func (b *fakeBatch) Column(int) driver.BatchColumn { return nil }
func (b *fakeBatch) Flush() error                  { b.flushes++; return nil }
func (b *fakeBatch) IsSent() bool                  { return b.sent }
func (b *fakeBatch) Rows() int                     { return len(b.rows) }
func (b *fakeBatch) Columns() []column.Interface   { return nil }
func (b *fakeBatch) Close() error                  { b.closed = true; return nil }

// queryCall captures one statement sent through a fake connection.
type queryCall struct {
	query string
	args  []any
}

// fakeConn implements the pool's Conn interface. Queries route through the
// scripted queryFn/rowFn hooks; batches are handed out and kept for
// inspection.
type fakeConn struct {
	mu        sync.Mutex
	id        int
	pingErr   error
	pings     int
	closed    bool
	queries   []queryCall
	queryFn   func(query string, args []any) (driver.Rows, error)
	rowFn     func(query string, args []any) driver.Row
	execs     []queryCall
	batches   []*fakeBatch
	batchErr  error
	appendErr error
	sendErr   error
}

func (c *fakeConn) Query(_ context.Context, query string, args ...any) (driver.Rows, error) {
	c.mu.Lock()
	c.queries = append(c.queries, queryCall{query: query, args: args})
	fn := c.queryFn
	c.mu.Unlock()
	if fn == nil {
		return &fakeRows{}, nil
	}
	return fn(query, args)
}

func (c *fakeConn) QueryRow(_ context.Context, query string, args ...any) driver.Row {
	c.mu.Lock()
	c.queries = append(c.queries, queryCall{query: query, args: args})
	fn := c.rowFn
	c.mu.Unlock()
	if fn == nil {
		return fakeRow{err: errors.New("no row scripted")}
	}
	return fn(query, args)
}

func (c *fakeConn) Exec(_ context.Context, query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, queryCall{query: query, args: args})
	return nil
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batchErr != nil {
		return nil, c.batchErr
	}
	b := &fakeBatch{query: query, appendErr: c.appendErr, sendErr: c.sendErr}
	c.batches = append(c.batches, b)
	return b, nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// scriptDialer hands out the given connections in order and fails once they
// run out.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
	calls int
}

func (d *scriptDialer) dial(context.Context) (clickhouse.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.next >= len(d.conns) {
		return nil, errors.New("dialer exhausted")
	}
	c := d.conns[d.next]
	d.next++
	return c, nil
}

func (d *scriptDialer) add(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *scriptDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// singleConnPool builds a one-handle pool around conn for repo tests.
func singleConnPool(t *testing.T, conn *fakeConn) *clickhouse.Pool {
	t.Helper()
	d := &scriptDialer{conns: []*fakeConn{conn}}
	p, err := clickhouse.NewPool(context.Background(), d.dial, 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}
