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

// VulnerabilityDiscovery is one VDS row. The struct is also the job payload
// shape, so it carries JSON tags.
type VulnerabilityDiscovery struct {
	ID            uuid.UUID           `json:"id"`
	TeamID        uuid.UUID           `json:"team_id"`
	CPName        string              `json:"cp_name"`
	PouCommitSHA1 string              `json:"pou_commit_sha1"`
	PouSanitizer  string              `json:"pou_sanitizer"`
	PovHarness    string              `json:"pov_harness"`
	PovDataSHA256 string              `json:"pov_data_sha256"`
	CPVUuid       *uuid.UUID          `json:"cpv_uuid,omitempty"`
	Status        capi.FeedbackStatus `json:"status"`
}

var vdsColumns = []string{
	"id", "team_id", "cp_name", "pou_commit_sha1", "pou_sanitizer",
	"pov_harness", "pov_data_sha256", "cpv_uuid", "status",
}

func scanVDS(row sq.RowScanner) (*VulnerabilityDiscovery, error) {
	var vds VulnerabilityDiscovery
	err := row.Scan(
		&vds.ID, &vds.TeamID, &vds.CPName, &vds.PouCommitSHA1, &vds.PouSanitizer,
		&vds.PovHarness, &vds.PovDataSHA256, &vds.CPVUuid, &vds.Status,
	)
	if err != nil {
		return nil, err
	}
	return &vds, nil
}

// InsertVDS creates a PENDING row and fills in its assigned id.
func (db *DB) InsertVDS(ctx context.Context, vds *VulnerabilityDiscovery) error {
	vds.ID = uuid.New()
	vds.Status = capi.StatusPending

	_, err := psql.Insert("vulnerability_discovery").
		Columns(
			"id", "team_id", "cp_name", "pou_commit_sha1", "pou_sanitizer",
			"pov_harness", "pov_data_sha256", "status",
		).
		Values(
			vds.ID, vds.TeamID, vds.CPName, vds.PouCommitSHA1, vds.PouSanitizer,
			vds.PovHarness, vds.PovDataSHA256, vds.Status,
		).
		RunWith(db.conn).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("inserting vds: %w", err)
	}
	return nil
}

// GetVDS fetches one row by id.
func (db *DB) GetVDS(ctx context.Context, id uuid.UUID) (*VulnerabilityDiscovery, bool, error) {
	row := psql.Select(vdsColumns...).
		From("vulnerability_discovery").
		Where(sq.Eq{"id": id}).
		RunWith(db.conn).
		QueryRowContext(ctx)

	vds, err := scanVDS(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetching vds: %w", err)
	}
	return vds, true, nil
}

// GetVDSByCPVUuid resolves the VDS a generated patch claims to fix.
func (db *DB) GetVDSByCPVUuid(ctx context.Context, cpvUUID uuid.UUID) (*VulnerabilityDiscovery, bool, error) {
	row := psql.Select(vdsColumns...).
		From("vulnerability_discovery").
		Where(sq.Eq{"cpv_uuid": cpvUUID}).
		RunWith(db.conn).
		QueryRowContext(ctx)

	vds, err := scanVDS(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetching vds by cpv_uuid: %w", err)
	}
	return vds, true, nil
}

// VDSStatus fetches just the current status; the replay guard uses this.
func (db *DB) VDSStatus(ctx context.Context, id uuid.UUID) (capi.FeedbackStatus, bool, error) {
	var status capi.FeedbackStatus
	err := psql.Select("status").
		From("vulnerability_discovery").
		Where(sq.Eq{"id": id}).
		RunWith(db.conn).
		QueryRowContext(ctx).
		Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fetching vds status: %w", err)
	}
	return status, true, nil
}

// CountAcceptedVDS counts this team's already-accepted discoveries for a
// commit; the API uses it to pre-compute the duplicate flag.
func (db *DB) CountAcceptedVDS(ctx context.Context, teamID uuid.UUID, commitSHA1 string) (int, error) {
	var count int
	err := psql.Select("COUNT(id)").
		From("vulnerability_discovery").
		Where(sq.Eq{
			"team_id":         teamID,
			"pou_commit_sha1": commitSHA1,
			"status":          capi.StatusAccepted,
		}).
		RunWith(db.conn).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting accepted vds: %w", err)
	}
	return count, nil
}

// UpdateVDSStatus applies a terminal verdict, optionally assigning the
// cpv_uuid minted on acceptance. Repeating the same terminal update is
// harmless, which is what makes duplicate Result delivery safe.
func (db *DB) UpdateVDSStatus(ctx context.Context, id uuid.UUID, status capi.FeedbackStatus, cpvUUID *uuid.UUID) error {
	update := psql.Update("vulnerability_discovery").
		Set("status", status).
		Where(sq.Eq{"id": id})

	if cpvUUID != nil {
		update = update.Set("cpv_uuid", *cpvUUID)
	}

	if _, err := update.RunWith(db.conn).ExecContext(ctx); err != nil {
		return fmt.Errorf("updating vds status: %w", err)
	}
	return nil
}
