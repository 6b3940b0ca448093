package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/aixcc-sc/capi"
)

// GeneratedPatch is one GP row. cpv_uuid stays null until the API has
// resolved the referenced VDS.
type GeneratedPatch struct {
	ID         uuid.UUID           `json:"id"`
	CPVUuid    *uuid.UUID          `json:"cpv_uuid,omitempty"`
	DataSHA256 string              `json:"data_sha256"`
	Status     capi.FeedbackStatus `json:"status"`
}

// InsertGP creates a PENDING row and fills in its assigned id.
func (db *DB) InsertGP(ctx context.Context, gp *GeneratedPatch) error {
	gp.ID = uuid.New()
	gp.Status = capi.StatusPending

	_, err := psql.Insert("generated_patch").
		Columns("id", "data_sha256", "status").
		Values(gp.ID, gp.DataSHA256, gp.Status).
		RunWith(db.conn).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("inserting gp: %w", err)
	}
	return nil
}

// SetGPCPVUuid binds the row to its VDS once the reference checks out.
func (db *DB) SetGPCPVUuid(ctx context.Context, id, cpvUUID uuid.UUID) error {
	_, err := psql.Update("generated_patch").
		Set("cpv_uuid", cpvUUID).
		Where(sq.Eq{"id": id}).
		RunWith(db.conn).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("setting gp cpv_uuid: %w", err)
	}
	return nil
}

// GPStatus fetches just the current status; the replay guard uses this.
func (db *DB) GPStatus(ctx context.Context, id uuid.UUID) (capi.FeedbackStatus, bool, error) {
	var status capi.FeedbackStatus
	err := psql.Select("status").
		From("generated_patch").
		Where(sq.Eq{"id": id}).
		RunWith(db.conn).
		QueryRowContext(ctx).
		Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fetching gp status: %w", err)
	}
	return status, true, nil
}

// GPStatusForTeam returns the row's status plus the owning team (via the
// VDS the cpv_uuid points at) so status lookups can 404 on wrong-team
// access.
func (db *DB) GPStatusForTeam(ctx context.Context, id uuid.UUID) (capi.FeedbackStatus, uuid.UUID, bool, error) {
	var (
		status capi.FeedbackStatus
		teamID uuid.UUID
	)
	err := psql.Select("gp.status", "vds.team_id").
		From("generated_patch gp").
		Join("vulnerability_discovery vds ON gp.cpv_uuid = vds.cpv_uuid").
		Where(sq.Eq{"gp.id": id}).
		RunWith(db.conn).
		QueryRowContext(ctx).
		Scan(&status, &teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", uuid.Nil, false, nil
	}
	if err != nil {
		return "", uuid.Nil, false, fmt.Errorf("fetching gp status: %w", err)
	}
	return status, teamID, true, nil
}

// CountGPForCPVUuid counts other patches already submitted for a cpv_uuid.
func (db *DB) CountGPForCPVUuid(ctx context.Context, cpvUUID, excludeID uuid.UUID) (int, error) {
	var count int
	err := psql.Select("COUNT(id)").
		From("generated_patch").
		Where(sq.And{
			sq.Eq{"cpv_uuid": cpvUUID},
			sq.NotEq{"id": excludeID},
		}).
		RunWith(db.conn).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting gp for cpv_uuid: %w", err)
	}
	return count, nil
}

// UpdateGPStatus applies a verdict to the row.
func (db *DB) UpdateGPStatus(ctx context.Context, id uuid.UUID, status capi.FeedbackStatus) error {
	_, err := psql.Update("generated_patch").
		Set("status", status).
		Where(sq.Eq{"id": id}).
		RunWith(db.conn).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("updating gp status: %w", err)
	}
	return nil
}
