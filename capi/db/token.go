package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// UpsertToken creates or replaces a team token row with a hashed secret.
// Called at startup for every auth.preload entry.
func (db *DB) UpsertToken(ctx context.Context, id uuid.UUID, secret string, admin bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing token: %w", err)
	}

	_, err = psql.Insert("token").
		Columns("id", "token", "admin").
		Values(id, string(hash), admin).
		Suffix("ON CONFLICT (id) DO UPDATE SET token = EXCLUDED.token, admin = EXCLUDED.admin").
		RunWith(db.conn).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("upserting token: %w", err)
	}
	return nil
}

// VerifyToken checks a basic-auth credential pair. Unknown ids and bad
// secrets are both plain "false"; only infrastructure failures are errors.
func (db *DB) VerifyToken(ctx context.Context, id uuid.UUID, secret string) (bool, error) {
	var hash string
	err := psql.Select("token").
		From("token").
		Where(sq.Eq{"id": id}).
		RunWith(db.conn).
		QueryRowContext(ctx).
		Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up token: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return false, nil
	}
	return true, nil
}

// IsAdmin reports whether the token has the admin flag.
func (db *DB) IsAdmin(ctx context.Context, id uuid.UUID) (bool, error) {
	var admin bool
	err := psql.Select("admin").
		From("token").
		Where(sq.Eq{"id": id}).
		RunWith(db.conn).
		QueryRowContext(ctx).
		Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up admin flag: %w", err)
	}
	return admin, nil
}
