// Package db is the Postgres layer: submission rows, team tokens, and the
// advisory locks that serialize scoring jobs.
package db

import (
	"database/sql"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type DB struct {
	conn   *sql.DB
	logger lager.Logger
}

// Open connects to Postgres using the pgx stdlib driver.
func Open(logger lager.Logger, dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return New(logger, conn), nil
}

// New wraps an existing connection; used by tests with sqlmock.
func New(logger lager.Logger, conn *sql.DB) *DB {
	return &DB{
		conn:   conn,
		logger: logger.Session("db"),
	}
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying pool for migrations and advisory locks.
func (db *DB) Conn() *sql.DB {
	return db.conn
}
