// internal/adapter/storage/sqlite_index.go

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"spatialtag/internal/domain/apperr"
	"spatialtag/internal/domain/entity"
	"spatialtag/internal/domain/geo"
	"spatialtag/internal/domain/proximity"
)

// SQLiteIndex is a durable single-node proximity.Index. Candidate rows are
// selected by an indexed bounding box and refined with exact distances.
type SQLiteIndex struct {
	db   *sql.DB
	calc geo.DistanceCalculator
}

// OpenSQLiteIndex opens (creating if needed) the database at path and
// ensures the schema exists
func OpenSQLiteIndex(ctx context.Context, path string, calc geo.DistanceCalculator) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	idx := &SQLiteIndex{db: db, calc: calc}
	if err := idx.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the underlying database handle
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			state TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT '',
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_lat_lng ON entities(lat, lng);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_state_expires ON entities(state, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_state_updated ON entities(state, updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Query returns active records within radius meters of center, nearest first
func (s *SQLiteIndex) Query(ctx context.Context, center geo.Position, radius float64, filter proximity.Filter) ([]proximity.Hit, error) {
	if err := proximity.ValidateQuery(center, radius); err != nil {
		return nil, err
	}

	box := geo.BoundingBox(center, radius)

	var (
		where strings.Builder
		args  []any
	)
	where.WriteString(`state = ? AND lat BETWEEN ? AND ?`)
	args = append(args, string(entity.StateActive), box.MinLat, box.MaxLat)

	ranges := box.LongitudeRanges()
	where.WriteString(` AND (`)
	for i, r := range ranges {
		if i > 0 {
			where.WriteString(` OR `)
		}
		where.WriteString(`lng BETWEEN ? AND ?`)
		args = append(args, r[0], r[1])
	}
	where.WriteString(`)`)

	if filter.Kind != "" {
		where.WriteString(` AND kind = ?`)
		args = append(args, string(filter.Kind))
	}
	if !filter.Now.IsZero() {
		where.WriteString(` AND (expires_at = 0 OR expires_at > ?)`)
		args = append(args, filter.Now.UnixNano())
	}
	if filter.ExcludeOwner != "" {
		where.WriteString(` AND owner_id <> ?`)
		args = append(args, filter.ExcludeOwner)
	}
	if len(filter.Visibilities) > 0 {
		where.WriteString(` AND (kind <> 'tag' OR visibility IN (?` + strings.Repeat(`, ?`, len(filter.Visibilities)-1) + `))`)
		for _, v := range filter.Visibilities {
			args = append(args, string(v))
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM entities WHERE `+where.String(), args...)
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
		d, err := s.calc.Distance(center, rec.Position, true)
		if err != nil || d.Raw > radius {
			continue
		}
		hits = append(hits, proximity.Hit{Record: rec, Distance: d.Meters})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate entities", err)
	}

	return proximity.SortHits(hits, filter.MaxHits()), nil
}

// Upsert stores rec unless a newer version is already present
func (s *SQLiteIndex) Upsert(ctx context.Context, rec entity.Record) error {
	if err := rec.Position.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error marshaling record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, owner_id, state, visibility, lat, lng, expires_at, updated_at, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			owner_id = excluded.owner_id,
			state = excluded.state,
			visibility = excluded.visibility,
			lat = excluded.lat,
			lng = excluded.lng,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			version = excluded.version,
			body = excluded.body
		WHERE excluded.version >= entities.version`,
		rec.ID, string(rec.Kind), rec.OwnerID, string(rec.State), visibilityOf(rec),
		rec.Position.Latitude, rec.Position.Longitude,
		unixNanos(rec.ExpiresAt), unixNanos(rec.UpdatedAt), int64(rec.Version), string(body),
	)
	if err != nil {
		return apperr.Internal("upsert entity", err)
	}
	return nil
}

// Remove deletes a record
func (s *SQLiteIndex) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return apperr.Internal("delete entity", err)
	}
	return nil
}

// Get returns a record by id
func (s *SQLiteIndex) Get(ctx context.Context, id string) (entity.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM entities WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Record{}, proximity.NotFound(id)
	}
	if err != nil {
		return entity.Record{}, apperr.Internal("get entity", err)
	}
	return rec, nil
}

// DueForExpiry returns active records whose expiration has passed
func (s *SQLiteIndex) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]entity.Record, error) {
	return s.list(ctx, `
		SELECT body FROM entities
		WHERE state = ? AND expires_at > 0 AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`, string(entity.StateActive), now.UnixNano(), limit)
}

// DueForPurge returns retired records last updated at or before cutoff
func (s *SQLiteIndex) DueForPurge(ctx context.Context, cutoff time.Time, limit int) ([]entity.Record, error) {
	return s.list(ctx, `
		SELECT body FROM entities
		WHERE state IN (?, ?) AND updated_at <= ?
		ORDER BY updated_at
		LIMIT ?`, string(entity.StateExpired), string(entity.StateDeleted), cutoff.UnixNano(), limit)
}

// Transition moves a record between states if it is currently in from
func (s *SQLiteIndex) Transition(ctx context.Context, id string, from, to entity.State, at time.Time) (bool, error) {
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

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET state = ?, updated_at = ?, version = ?, body = ?
		WHERE id = ? AND state = ? AND version = ?`,
		string(to), unixNanos(at), int64(next.Version), string(body),
		id, string(from), int64(cur.Version),
	)
	if err != nil {
		return false, apperr.Internal("transition entity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Internal("transition entity", err)
	}
	return n == 1, nil
}

func (s *SQLiteIndex) list(ctx context.Context, query string, args ...any) ([]entity.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("list entities", err)
	}
	defer rows.Close()

	var out []entity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Internal("scan entity", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate entities", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (entity.Record, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return entity.Record{}, err
	}
	var rec entity.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return entity.Record{}, fmt.Errorf("error unmarshaling record: %w", err)
	}
	return rec, nil
}

func visibilityOf(rec entity.Record) string {
	if rec.Tag != nil {
		return string(rec.Tag.Visibility)
	}
	return ""
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

var _ proximity.Index = (*SQLiteIndex)(nil)
