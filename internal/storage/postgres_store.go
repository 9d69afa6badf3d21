package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-tracking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the subset of *sql.DB used by PostgresStore.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
}

type PostgresStore struct {
	db DB
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema files in name order. The statements
// are idempotent.
func Migrate(ctx context.Context, db DB) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	applied := make([]string, 0, len(names))
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return applied, err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

func (p *PostgresStore) Append(ctx context.Context, s models.LocationSnapshot) error {
	var speed sql.NullFloat64
	if s.Speed != nil {
		speed = sql.NullFloat64{Float64: *s.Speed, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO location_snapshots(trip_id, lat, lng, speed, recorded_at) VALUES($1,$2,$3,$4,$5)`,
		s.TripID, s.Lat, s.Lng, speed, s.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: insert snapshot %s: %v", models.ErrStoreUnavailable, s.TripID, err)
	}
	return nil
}

func (p *PostgresStore) Recent(ctx context.Context, tripID string, limit int) ([]models.LocationSnapshot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT trip_id, lat, lng, speed, recorded_at FROM location_snapshots WHERE trip_id=$1 ORDER BY recorded_at DESC LIMIT $2`,
		tripID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: query snapshots %s: %v", models.ErrStoreUnavailable, tripID, err)
	}
	defer rows.Close()

	var out []models.LocationSnapshot
	for rows.Next() {
		var s models.LocationSnapshot
		var speed sql.NullFloat64
		if err := rows.Scan(&s.TripID, &s.Lat, &s.Lng, &speed, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot: %v", models.ErrStoreUnavailable, err)
		}
		if speed.Valid {
			v := speed.Float64
			s.Speed = &v
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
