// Package catalog persists finalized type catalogs to PostgreSQL so that the
// shape of a dump can be compared with earlier dumps after the index's
// temporary files are gone.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS catalog_snapshots (
    id           BIGSERIAL PRIMARY KEY,
    dump         TEXT NOT NULL,
    object_count BIGINT NOT NULL,
    types        JSONB NOT NULL,
    captured_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS catalog_snapshots_dump_idx ON catalog_snapshots (dump, captured_at DESC);
CREATE TABLE IF NOT EXISTS catalog_types (
    snapshot_id    BIGINT NOT NULL REFERENCES catalog_snapshots (id) ON DELETE CASCADE,
    rank           INTEGER NOT NULL,
    kind           TEXT NOT NULL,
    type_key       NUMERIC(20) NOT NULL,
    name           TEXT NOT NULL,
    instance_count BIGINT NOT NULL,
    PRIMARY KEY (snapshot_id, rank)
);`

// Snapshot is one persisted catalog.
type Snapshot struct {
	ID          int64
	Dump        string
	ObjectCount int64
	Types       []indexer.TypeEntry
	CapturedAt  time.Time
}

// TypeCount is one row of a per-type history.
type TypeCount struct {
	SnapshotID    int64
	InstanceCount uint32
	CapturedAt    time.Time
}

type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "catalog-store"),
	}
}

// EnsureSchema creates the catalog tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

// Save stores the catalog as one JSONB document plus one row per type, in a
// single transaction, and returns the snapshot id.
func (s *Store) Save(ctx context.Context, dump string, objectCount int64, types []indexer.TypeEntry) (int64, error) {
	data, err := json.Marshal(types)
	if err != nil {
		return 0, fmt.Errorf("marshaling catalog: %w", err)
	}

	var id int64
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO catalog_snapshots (dump, object_count, types, captured_at)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			dump, objectCount, data, time.Now().UTC(),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("inserting catalog snapshot: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO catalog_types (snapshot_id, rank, kind, type_key, name, instance_count)
			 VALUES ($1, $2, $3, $4, $5, $6)`)
		if err != nil {
			return fmt.Errorf("preparing type insert: %w", err)
		}
		defer stmt.Close()
		for rank, t := range types {
			_, err := stmt.ExecContext(ctx, id, rank, t.Kind.String(), fmt.Sprint(t.Key()), t.Name, int64(t.InstanceCount))
			if err != nil {
				return fmt.Errorf("inserting type %s: %w", t.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("catalog snapshot saved",
		"dump", dump,
		"snapshot_id", id,
		"types", len(types),
		"objects", objectCount,
	)
	return id, nil
}

// Latest loads the most recent snapshot of dump.
func (s *Store) Latest(ctx context.Context, dump string) (*Snapshot, error) {
	snap := Snapshot{Dump: dump}
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, object_count, types, captured_at FROM catalog_snapshots
		 WHERE dump = $1 ORDER BY captured_at DESC, id DESC LIMIT 1`,
		dump,
	).Scan(&snap.ID, &snap.ObjectCount, &data, &snap.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog of %s: %w", dump, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest catalog: %w", err)
	}
	if err := json.Unmarshal(data, &snap.Types); err != nil {
		return nil, fmt.Errorf("unmarshaling catalog %d: %w", snap.ID, err)
	}
	return &snap, nil
}

// History returns the instance count of one type across every snapshot of
// dump, oldest first.
func (s *Store) History(ctx context.Context, dump string, kind indexer.TypeKind, key uint64) ([]TypeCount, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT s.id, t.instance_count, s.captured_at
		 FROM catalog_types t JOIN catalog_snapshots s ON s.id = t.snapshot_id
		 WHERE s.dump = $1 AND t.kind = $2 AND t.type_key = $3
		 ORDER BY s.captured_at, s.id`,
		dump, kind.String(), fmt.Sprint(key),
	)
	if err != nil {
		return nil, fmt.Errorf("querying type history: %w", err)
	}
	defer rows.Close()

	var out []TypeCount
	for rows.Next() {
		var tc TypeCount
		var n int64
		if err := rows.Scan(&tc.SnapshotID, &n, &tc.CapturedAt); err != nil {
			return nil, fmt.Errorf("scanning type history: %w", err)
		}
		tc.InstanceCount = uint32(n)
		out = append(out, tc)
	}
	return out, rows.Err()
}
