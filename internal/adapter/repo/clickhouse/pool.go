// Package clickhouse provides the OLAP adapters for base candles and
// long-format indicator values, behind a fixed-size connection pool with
// health probing.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Conn is the narrow connection surface the repos use. The driver.Conn
// handles returned by clickhouse.Open satisfy it.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens one fresh connection handle.
type Dialer func(ctx context.Context) (Conn, error)

// Options carries the connection settings for the real dialer.
type Options struct {
	Addrs       []string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// NewDialer returns a Dialer producing single-handle native-protocol
// clients. The pool owns connection counting, so each handle is capped at
// one open conn.
func NewDialer(opts Options) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := ch.Open(&ch.Options{
			Addr: opts.Addrs,
			Auth: ch.Auth{
				Database: opts.Database,
				Username: opts.Username,
				Password: opts.Password,
			},
			DialTimeout:  opts.DialTimeout,
			Compression:  &ch.Compression{Method: ch.CompressionLZ4},
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("op=clickhouse.dial: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("op=clickhouse.dial: ping: %w", err)
		}
		return conn, nil
	}
}

// Pool is a fixed-size pool of ClickHouse handles. Acquire probes the handle
// with a ping and silently replaces dead ones; when a replacement cannot be
// dialed the dead handle goes back into the pool so the pool never shrinks.
type Pool struct {
	dial           Dialer
	handles        chan Conn
	size           int
	acquireTimeout time.Duration
	closed         atomic.Bool
}

// NewPool dials size handles up front and returns the filled pool.
func NewPool(ctx context.Context, dial Dialer, size int, acquireTimeout time.Duration) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("op=clickhouse.NewPool: size must be positive, got %d", size)
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 10 * time.Second
	}
	p := &Pool{
		dial:           dial,
		handles:        make(chan Conn, size),
		size:           size,
		acquireTimeout: acquireTimeout,
	}
	for i := 0; i < size; i++ {
		conn, err := dial(ctx)
		if err != nil {
			p.closed.Store(true)
			for {
				select {
				case dialed := <-p.handles:
					_ = dialed.Close()
				default:
					return nil, fmt.Errorf("op=clickhouse.NewPool: handle %d: %w", i, err)
				}
			}
		}
		p.handles <- conn
	}
	slog.Info("clickhouse pool ready", slog.Int("size", size))
	return p, nil
}

// Acquire takes a healthy handle from the pool, waiting up to the acquire
// timeout for one to become available.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("op=clickhouse.Acquire: pool is closed")
	}
	select {
	case conn := <-p.handles:
		if err := conn.Ping(ctx); err == nil {
			return conn, nil
		}
		slog.Warn("clickhouse handle failed ping, replacing")
		_ = conn.Close()
		fresh, err := p.dial(ctx)
		if err != nil {
			// Keep the pool at full size even when the server is down.
			p.handles <- conn
			return nil, fmt.Errorf("op=clickhouse.Acquire: redial: %w", err)
		}
		return fresh, nil
	case <-time.After(p.acquireTimeout):
		return nil, fmt.Errorf("op=clickhouse.Acquire: no handle available after %s", p.acquireTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("op=clickhouse.Acquire: %w", ctx.Err())
	}
}

// Release puts a handle back. Handles returned after Close are closed
// instead of pooled.
func (p *Pool) Release(conn Conn) {
	if conn == nil {
		return
	}
	if p.closed.Load() {
		_ = conn.Close()
		return
	}
	select {
	case p.handles <- conn:
	default:
		_ = conn.Close()
	}
}

// Available reports how many handles are currently idle in the pool.
func (p *Pool) Available() int { return len(p.handles) }

// Ping takes one handle and probes it, for readiness checks. Acquire
// already pings the handle, so a successful acquire is the probe.
func (p *Pool) Ping(ctx context.Context) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	p.Release(conn)
	return nil
}

// Close stops handing out connections, then drains and closes every pooled
// handle. Handles still out when ctx expires are closed on Release.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for i := 0; i < p.size; i++ {
		select {
		case conn := <-p.handles:
			_ = conn.Close()
		case <-ctx.Done():
			return fmt.Errorf("op=clickhouse.Close: %d handles still out: %w", p.size-i, ctx.Err())
		}
	}
	return nil
}
