package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tororo-hospice/datawash/internal/entity"
)

// Postgres persists the pool as one JSONB row per entity, keyed by
// (entity_type, id). Exact-key uniqueness (person registration numbers,
// supply batch numbers) is enforced by a partial unique index, so a
// collision that slipped past the in-memory pool still cannot commit.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// KeyCollisionError mirrors the resolver's fatal collision error at the
// storage boundary.
type KeyCollisionError struct {
	Detail string
}

func (e *KeyCollisionError) Error() string {
	return fmt.Sprintf("exact key collision at commit: %s", e.Detail)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
    entity_type text        NOT NULL,
    id          text        NOT NULL,
    exact_key   text,
    is_deleted  boolean     NOT NULL DEFAULT false,
    body        jsonb       NOT NULL,
    updated_at  timestamptz NOT NULL,
    PRIMARY KEY (entity_type, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS entities_exact_key_idx
    ON entities (entity_type, exact_key) WHERE exact_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS batch_reports (
    batch_id     text        PRIMARY KEY,
    report       jsonb       NOT NULL,
    committed_at timestamptz NOT NULL DEFAULT now()
);`

// Migrate creates the two tables on startup. Idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate store schema: %w", err)
	}
	return nil
}

func (s *Postgres) LoadPool(ctx context.Context) (*entity.Graph, error) {
	g := entity.NewGraph()
	// Dependency order so references always point backwards on load.
	for _, t := range entity.Types {
		rows, err := s.pool.Query(ctx,
			`SELECT body FROM entities WHERE entity_type = $1 ORDER BY id`, string(t))
		if err != nil {
			return nil, fmt.Errorf("load %s pool: %w", t, err)
		}
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s row: %w", t, err)
			}
			rec, err := decodeRecord(t, body)
			if err != nil {
				rows.Close()
				return nil, err
			}
			g.Add(rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load %s pool: %w", t, err)
		}
	}
	return g, nil
}

func (s *Postgres) CommitBatch(ctx context.Context, snap Snapshot) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range snap.Graph.All() {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", rec.EntityType(), rec.Meta().ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO entities (entity_type, id, exact_key, is_deleted, body, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
			ON CONFLICT (entity_type, id) DO UPDATE
			SET exact_key = EXCLUDED.exact_key,
			    is_deleted = EXCLUDED.is_deleted,
			    body = EXCLUDED.body,
			    updated_at = EXCLUDED.updated_at`,
			string(rec.EntityType()), rec.Meta().ID, exactKey(rec),
			rec.Meta().IsDeleted, body, rec.Meta().UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &KeyCollisionError{Detail: err.Error()}
			}
			return fmt.Errorf("upsert %s %s: %w", rec.EntityType(), rec.Meta().ID, err)
		}
	}

	if snap.BatchID != "" {
		report := snap.Report
		if len(report) == 0 {
			report = []byte("{}")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_reports (batch_id, report)
			VALUES ($1, $2)
			ON CONFLICT (batch_id) DO UPDATE SET report = EXCLUDED.report, committed_at = now()`,
			snap.BatchID, report)
		if err != nil {
			return fmt.Errorf("store batch report: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return &KeyCollisionError{Detail: err.Error()}
		}
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Postgres) Report(ctx context.Context, batchID string) ([]byte, error) {
	var report []byte
	err := s.pool.QueryRow(ctx,
		`SELECT report FROM batch_reports WHERE batch_id = $1`, batchID).Scan(&report)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch report: %w", err)
	}
	return report, nil
}

// exactKey returns the value the unique index guards for this entity, empty
// when the entity has none. The column duplicates what the resolver indexes
// in memory; it exists so the database is the final arbiter of uniqueness.
func exactKey(rec entity.Record) string {
	switch r := rec.(type) {
	case *entity.Person:
		if v, ok := r.RoleData["registration_number"].(string); ok {
			return v
		}
	case *entity.Supply:
		return r.BatchNumber
	}
	return ""
}

func decodeRecord(t entity.Type, body []byte) (entity.Record, error) {
	var rec entity.Record
	switch t {
	case entity.TypePerson:
		rec = &entity.Person{}
	case entity.TypeEncounter:
		rec = &entity.Encounter{}
	case entity.TypeMedicalRecord:
		rec = &entity.MedicalRecord{}
	case entity.TypeTreatment:
		rec = &entity.Treatment{}
	case entity.TypeDisease:
		rec = &entity.Disease{}
	case entity.TypeObservation:
		rec = &entity.Observation{}
	case entity.TypeSupply:
		rec = &entity.Supply{}
	default:
		return nil, fmt.Errorf("unknown entity type %q in store", t)
	}
	if err := json.Unmarshal(body, rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
