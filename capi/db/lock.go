package db

import (
	"context"
	"database/sql"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
)

// AdvisoryLock is a Postgres session advisory lock held on a dedicated
// connection. The lock lives as long as the session: releasing it (or the
// process crashing) gives it up, so a wedged worker can never hold a
// (team, commit) pair forever.
type AdvisoryLock struct {
	logger lager.Logger
	conn   *sql.Conn
	key    string
}

// AcquireLock blocks until the advisory lock for key is held. The key is
// hashed to the 64-bit lock space inside Postgres.
func (db *DB) AcquireLock(ctx context.Context, key string) (*AdvisoryLock, error) {
	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock(hashtextextended($1, 0))", key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquiring advisory lock %q: %w", key, err)
	}

	db.logger.Debug("lock-acquired", lager.Data{"key": key})

	return &AdvisoryLock{
		logger: db.logger,
		conn:   conn,
		key:    key,
	}, nil
}

// Release unlocks and returns the connection to the pool. Safe to call on
// every exit path; errors only reflect an already-broken session, which
// releases the lock anyway.
func (l *AdvisoryLock) Release() error {
	defer l.conn.Close()

	_, err := l.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock(hashtextextended($1, 0))", l.key)
	if err != nil {
		l.logger.Error("failed-to-unlock", err, lager.Data{"key": l.key})
		return fmt.Errorf("releasing advisory lock %q: %w", l.key, err)
	}

	l.logger.Debug("lock-released", lager.Data{"key": l.key})
	return nil
}
