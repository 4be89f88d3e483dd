package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// sessionConn is a single database session. Advisory locks belong to the
// session that took them, so the lock cannot run on a pool.
type sessionConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// dialer opens a new session.
type dialer func(ctx context.Context) (sessionConn, error)

// Postgres uses session-level advisory locks keyed by hashtext(name). The
// database drops them if the process dies. A session that fails a query is
// discarded and the next call dials a new one.
type Postgres struct {
	mu   sync.Mutex
	dial dialer
	conn sessionConn
}

var _ linkcheck.DistributedLock = (*Postgres)(nil)

// NewPostgres opens a dedicated connection for advisory locking.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required for the postgres lock")
	}
	p := newPostgresWithDialer(func(ctx context.Context) (sessionConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	if _, err := p.session(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// NewPostgresWithConn wraps an existing session that is never redialed
// (primarily for testing).
func NewPostgresWithConn(conn sessionConn) *Postgres {
	return &Postgres{conn: conn}
}

// newPostgresWithDialer dials sessions on demand.
func newPostgresWithDialer(dial dialer) *Postgres {
	return &Postgres{dial: dial}
}

// TryAcquire takes the advisory lock without waiting.
func (p *Postgres) TryAcquire(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, err := p.session(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		p.drop(ctx)
		return false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	return ok, nil
}

// Release drops the advisory lock. Releasing a lock this session does not
// hold is not an error.
func (p *Postgres) Release(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		// the session that held it is gone, and so is the lock
		return nil
	}
	var released bool
	if err := p.conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name).Scan(&released); err != nil {
		p.drop(ctx)
		return fmt.Errorf("advisory unlock %q: %w", name, err)
	}
	return nil
}

// Close ends the session, releasing any locks it still holds.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(ctx)
	p.conn = nil
	return err
}

// session returns the current session, dialing a new one when there is none
// or the old one reports closed.
func (p *Postgres) session(ctx context.Context) (sessionConn, error) {
	if p.conn != nil && !reportsClosed(p.conn) {
		return p.conn, nil
	}
	p.conn = nil
	if p.dial == nil {
		return nil, errors.New("postgres lock session is closed")
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p.conn = conn
	return conn, nil
}

// drop closes a session after a failed query. Any locks it held are lost
// with it.
func (p *Postgres) drop(ctx context.Context) {
	if p.conn == nil {
		return
	}
	_ = p.conn.Close(context.WithoutCancel(ctx))
	p.conn = nil
}

func reportsClosed(conn sessionConn) bool {
	c, ok := conn.(interface{ IsClosed() bool })
	return ok && c.IsClosed()
}
