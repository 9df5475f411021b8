package tsdb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const samplesSchema = `
CREATE TABLE IF NOT EXISTS metric_samples (
	metric   text NOT NULL,
	series   text NOT NULL,
	ts_ms    bigint NOT NULL,
	value    double precision NOT NULL
);
CREATE INDEX IF NOT EXISTS metric_samples_series_ts ON metric_samples (series, ts_ms);
`

// PostgresStore is a pgx-backed Store for deployments that want samples to
// survive restarts. It implements the same contract as MemoryStore; retention
// is left to the database (partition drop or a cron delete).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and pings the server so misconfiguration
// fails at startup rather than on the first evaluation cycle.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the samples table and index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, samplesSchema)
	return err
}

func (s *PostgresStore) Write(ctx context.Context, metric string, value float64, labels map[string]string, timestamp int64) error {
	if timestamp <= 0 {
		timestamp = time.Now().UnixMilli()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_samples (metric, series, ts_ms, value)
		VALUES ($1,$2,$3,$4)`,
		metric, SeriesKey(metric, labels), timestamp, value,
	)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, metric string, start, end int64, labels map[string]string) ([]Point, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts_ms, value FROM metric_samples
		WHERE series=$1 AND ts_ms BETWEEN $2 AND $3
		ORDER BY ts_ms`,
		SeriesKey(metric, labels), start, end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []Point{}
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
