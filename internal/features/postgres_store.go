package features

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/auroraguard/internal/txn"
)

const featureSortPrefix = "feature#"

// PostgresStore reads the recent_aggregates table: one row per
// (entity, feature) with pk "<kind>#<id>" and sk "feature#<field>".
// Rows whose ttl_epoch has passed are ignored.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a PostgreSQL-backed feature store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the recent_aggregates table if it doesn't exist.
// cmd/migrate owns the schema in production; this is for tests and local runs.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS recent_aggregates (
			pk          VARCHAR(300) NOT NULL,
			sk          VARCHAR(128) NOT NULL,
			value_num   DOUBLE PRECISION,
			value_str   TEXT,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ttl_epoch   BIGINT,
			PRIMARY KEY (pk, sk)
		);

		CREATE INDEX IF NOT EXISTS idx_recent_aggregates_updated
			ON recent_aggregates (pk, updated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Lookup(ctx context.Context, key txn.EntityKey) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sk, value_num, value_str, updated_at
		FROM recent_aggregates
		WHERE pk = $1
		  AND (ttl_epoch IS NULL OR ttl_epoch > $2)
	`, key.String(), s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates for %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	rec := &Record{Fields: make(map[string]Value)}
	for rows.Next() {
		var (
			sk        string
			num       sql.NullFloat64
			str       sql.NullString
			updatedAt time.Time
		)
		if err := rows.Scan(&sk, &num, &str, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		field := strings.TrimPrefix(sk, featureSortPrefix)
		switch {
		case num.Valid:
			rec.Fields[field] = Num(num.Float64)
		case str.Valid:
			rec.Fields[field] = Cat(str.String)
		default:
			continue
		}
		// A record is only as fresh as its oldest field.
		if rec.UpdatedAt.IsZero() || updatedAt.Before(rec.UpdatedAt) {
			rec.UpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read aggregates for %s: %w", key, err)
	}
	if len(rec.Fields) == 0 {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Upsert writes aggregates for key. ttl <= 0 stores rows without expiry.
func (s *PostgresStore) Upsert(ctx context.Context, key txn.EntityKey, rec Record, ttl time.Duration) error {
	var ttlEpoch sql.NullInt64
	if ttl > 0 {
		ttlEpoch = sql.NullInt64{Int64: rec.UpdatedAt.Add(ttl).Unix(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin aggregate upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for field, v := range rec.Fields {
		var num sql.NullFloat64
		var str sql.NullString
		if v.Categorical {
			str = sql.NullString{String: v.Str, Valid: true}
		} else {
			num = sql.NullFloat64{Float64: v.Num, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recent_aggregates (pk, sk, value_num, value_str, updated_at, ttl_epoch)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (pk, sk) DO UPDATE SET
				value_num = EXCLUDED.value_num,
				value_str = EXCLUDED.value_str,
				updated_at = EXCLUDED.updated_at,
				ttl_epoch = EXCLUDED.ttl_epoch
		`, key.String(), featureSortPrefix+field, num, str, rec.UpdatedAt, ttlEpoch)
		if err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", key, field, err)
		}
	}
	return tx.Commit()
}

// Ping checks connectivity for health reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
