// internal/adapter/storage/postgis_index.go

package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

//go:embed schema.sql
var postgisSchema string

// PostGISIndex implements proximity.Index on PostgreSQL with PostGIS
type PostGISIndex struct {
	db   *pgxpool.Pool
	calc geo.DistanceCalculator
}

// NewPostGISIndex creates a new PostGIS-backed index
func NewPostGISIndex(db *pgxpool.Pool, calc geo.DistanceCalculator) *PostGISIndex {
	return &PostGISIndex{
		db:   db,
		calc: calc,
	}
}

// Migrate creates the tables and indexes if they do not exist
func (s *PostGISIndex) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgisSchema); err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	return nil
}

// Query returns active records within radius meters of center, nearest first
func (s *PostGISIndex) Query(ctx context.Context, center geo.Position, radius float64, filter proximity.Filter) ([]proximity.Hit, error) {
	if err := proximity.ValidateQuery(center, radius); err != nil {
		return nil, err
	}

	// Build dynamic query
	queryBuilder := strings.Builder{}
	queryBuilder.WriteString(`
		SELECT body
		FROM entities
		WHERE state = $1
		AND ST_DWithin(location, ST_MakePoint($2, $3)::geography, $4)
	`)

	args := []interface{}{string(entity.StateActive), center.Longitude, center.Latitude, radius}
	argIndex := 5

	if filter.Kind != "" {
		queryBuilder.WriteString(fmt.Sprintf(" AND kind = $%d", argIndex))
		args = append(args, string(filter.Kind))
		argIndex++
	}

	if !filter.Now.IsZero() {
		queryBuilder.WriteString(fmt.Sprintf(" AND (expires_at IS NULL OR expires_at > $%d)", argIndex))
		args = append(args, filter.Now)
		argIndex++
	}

	if filter.ExcludeOwner != "" {
		queryBuilder.WriteString(fmt.Sprintf(" AND owner_id <> $%d", argIndex))
		args = append(args, filter.ExcludeOwner)
		argIndex++
	}

	if len(filter.Visibilities) > 0 {
		vis := make([]string, len(filter.Visibilities))
		for i, v := range filter.Visibilities {
			vis[i] = string(v)
		}
		queryBuilder.WriteString(fmt.Sprintf(" AND (kind <> 'tag' OR visibility = ANY($%d))", argIndex))
		args = append(args, vis)
		argIndex++
	}

	queryBuilder.WriteString(fmt.Sprintf(`
		ORDER BY ST_Distance(location, ST_MakePoint($2, $3)::geography)
		LIMIT $%d
	`, argIndex))
	args = append(args, filter.MaxHits())

	rows, err := s.db.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, apperr.Internal("query entities", err)
	}
	defer rows.Close()

	var hits []proximity.Hit
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Internal("scan entity", err)
		}
		if !filter.Match(rec) {
			continue
		}

		// Surface distance from ST_DWithin ignores altitude; refine in 3D
		d, err := s.calc.Distance(center, rec.Position, true)
		if err != nil || d.Raw > radius {
			continue
		}
		hits = append(hits, proximity.Hit{Record: rec, Distance: d.Meters})
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("rows error", err)
	}

	return proximity.SortHits(hits, filter.MaxHits()), nil
}

// Upsert stores rec unless a newer version is already present
func (s *PostGISIndex) Upsert(ctx context.Context, rec entity.Record) error {
	if err := rec.Position.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO entities (
			id, kind, owner_id, state, visibility,
			location, altitude, expires_at, updated_at, version, body
		) VALUES (
			$1, $2, $3, $4, $5,
			ST_MakePoint($6, $7)::geography, $8, $9, $10, $11, $12
		)
		ON CONFLICT (id) DO UPDATE
		SET
			kind = $2,
			owner_id = $3,
			state = $4,
			visibility = $5,
			location = ST_MakePoint($6, $7)::geography,
			altitude = $8,
			expires_at = $9,
			updated_at = $10,
			version = $11,
			body = $12
		WHERE entities.version <= $11
	`

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error marshaling record: %w", err)
	}

	_, err = s.db.Exec(
		ctx,
		query,
		rec.ID,
		string(rec.Kind),
		rec.OwnerID,
		string(rec.State),
		visibilityOf(rec),
		rec.Position.Longitude,
		rec.Position.Latitude,
		rec.Position.Altitude,
		nullableTime(rec.ExpiresAt),
		rec.UpdatedAt,
		int64(rec.Version),
		body,
	)
	if err != nil {
		return apperr.Internal("error executing upsert", err)
	}

	return nil
}

// Remove deletes a record
func (s *PostGISIndex) Remove(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id); err != nil {
		return apperr.Internal("error deleting entity", err)
	}
	return nil
}

// Get returns a record by id
func (s *PostGISIndex) Get(ctx context.Context, id string) (entity.Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT body FROM entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Record{}, proximity.NotFound(id)
	}
	if err != nil {
		return entity.Record{}, apperr.Internal("error querying entity", err)
	}
	return rec, nil
}

// DueForExpiry returns active records whose expiration has passed
func (s *PostGISIndex) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]entity.Record, error) {
	return s.list(ctx, `
		SELECT body FROM entities
		WHERE state = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`, string(entity.StateActive), now, limit)
}

// DueForPurge returns retired records last updated at or before cutoff
func (s *PostGISIndex) DueForPurge(ctx context.Context, cutoff time.Time, limit int) ([]entity.Record, error) {
	return s.list(ctx, `
		SELECT body FROM entities
		WHERE state IN ($1, $2) AND updated_at <= $3
		ORDER BY updated_at
		LIMIT $4
	`, string(entity.StateExpired), string(entity.StateDeleted), cutoff, limit)
}

// Transition moves a record between states if it is currently in from
func (s *PostGISIndex) Transition(ctx context.Context, id string, from, to entity.State, at time.Time) (bool, error) {
	cur, err := s.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.State != from {
		return false, nil
	}

	next := cur.WithState(to, at)
	body, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("error marshaling record: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE entities SET state = $1, updated_at = $2, version = $3, body = $4
		WHERE id = $5 AND state = $6 AND version = $7
	`, string(to), at, int64(next.Version), body, id, string(from), int64(cur.Version))
	if err != nil {
		return false, apperr.Internal("error transitioning entity", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostGISIndex) list(ctx context.Context, query string, args ...interface{}) ([]entity.Record, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("query error", err)
	}
	defer rows.Close()

	var out []entity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Internal("scan error", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("rows error", err)
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ proximity.Index = (*PostGISIndex)(nil)
