package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/store"
)

// Store is the persistent Local Store, one sqlite file per terminal.
type Store struct {
	db     *sql.DB
	limits store.Limits
}

func New(ctx context.Context, path string, limits store.Limits) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorage, err)
	}
	// sqlite writes are serialized; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrStorage, err)
	}

	s := &Store{db: db, limits: limits}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			collection  TEXT    NOT NULL,
			id          TEXT    NOT NULL,
			payload     BLOB    NOT NULL,
			encoded     INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL,
			sync_status TEXT    NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_updated ON records (collection, updated_at);
		CREATE INDEX IF NOT EXISTS idx_records_status  ON records (collection, sync_status);
	`)
	if err != nil {
		return fmt.Errorf("%w: ensure schema: %v", store.ErrStorage, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, rec domain.Record) error {
	return s.PutBatch(ctx, []domain.Record{rec})
}

// PutBatch upserts all records in one transaction; either every record
// commits or none does. Eviction for the touched collections happens inside
// the same transaction.
func (s *Store) PutBatch(ctx context.Context, recs []domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := store.ValidateRecord(rec); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrStorage, err)
	}
	defer tx.Rollback()

	touched := make(map[string]struct{}, 2)
	for _, rec := range recs {
		payload, encoded := store.EncodePayload(rec.Payload, s.limits.LargePayloadBytes)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (collection, id, payload, encoded, updated_at, sync_status)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT (collection, id) DO UPDATE SET
				payload = excluded.payload,
				encoded = excluded.encoded,
				updated_at = excluded.updated_at,
				sync_status = excluded.sync_status
		`, rec.Collection, rec.ID, payload, boolToInt(encoded), rec.UpdatedAt, string(rec.SyncStatus))
		if err != nil {
			return fmt.Errorf("%w: upsert %s/%s: %v", store.ErrStorage, rec.Collection, rec.ID, err)
		}
		touched[rec.Collection] = struct{}{}
	}

	for collection := range touched {
		if err := s.evictTx(ctx, tx, collection); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrStorage, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection string, id string) (*domain.Record, error) {
	var (
		rec     domain.Record
		payload []byte
		encoded int
		status  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payload, encoded, updated_at, sync_status
		FROM records
		WHERE collection = ? AND id = ?
	`, collection, id).Scan(&rec.ID, &payload, &encoded, &rec.UpdatedAt, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s/%s: %v", store.ErrStorage, collection, id, err)
	}

	decoded, err := store.DecodePayload(payload, encoded == 1)
	if err != nil {
		// Corrupt record: isolate it by reporting absent instead of failing
		// every read that touches it.
		log.Printf("[store] WARN: unreadable record %s/%s, returning absent: %v", collection, id, err)
		return nil, store.ErrNotFound
	}

	rec.Collection = collection
	rec.Payload = decoded
	rec.SyncStatus = domain.SyncStatus(status)
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE collection = ? AND id = ?
	`, collection, id); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", store.ErrStorage, collection, id, err)
	}
	return nil
}

// Query scans the collection index ordered by updated_at, applying pred
// lazily. Each fresh range opens a new cursor.
func (s *Store) Query(ctx context.Context, collection string, pred func(domain.Record) bool) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, payload, encoded, updated_at, sync_status
			FROM records
			WHERE collection = ?
			ORDER BY updated_at, id
		`, collection)
		if err != nil {
			yield(domain.Record{}, fmt.Errorf("%w: query %s: %v", store.ErrStorage, collection, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec     domain.Record
				payload []byte
				encoded int
				status  string
			)
			if err := rows.Scan(&rec.ID, &payload, &encoded, &rec.UpdatedAt, &status); err != nil {
				yield(domain.Record{}, fmt.Errorf("%w: scan %s: %v", store.ErrStorage, collection, err))
				return
			}
			decoded, err := store.DecodePayload(payload, encoded == 1)
			if err != nil {
				log.Printf("[store] WARN: skipping unreadable record %s/%s: %v", collection, rec.ID, err)
				continue
			}
			rec.Collection = collection
			rec.Payload = decoded
			rec.SyncStatus = domain.SyncStatus(status)

			if pred != nil && !pred(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Record{}, fmt.Errorf("%w: rows %s: %v", store.ErrStorage, collection, err))
		}
	}
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE collection = ?
	`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", store.ErrStorage, collection, err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, COUNT(*) FROM records GROUP BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", store.ErrStorage, err)
	}
	defer rows.Close()

	stats := make(store.Stats, len(store.Collections))
	for _, name := range store.Collections {
		stats[name] = 0
	}
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("%w: stats scan: %v", store.ErrStorage, err)
		}
		stats[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: stats rows: %v", store.ErrStorage, err)
	}
	return stats, nil
}

func (s *Store) evictTx(ctx context.Context, tx *sql.Tx, collection string) error {
	if s.limits.Cap <= 0 || !store.Evictable(collection) {
		return nil
	}

	var n int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE collection = ?
	`, collection).Scan(&n); err != nil {
		return fmt.Errorf("%w: evict count %s: %v", store.ErrStorage, collection, err)
	}
	if n <= s.limits.Cap {
		return nil
	}

	target := s.limits.Cap - s.limits.ClearanceMargin
	if target < 0 {
		target = 0
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM records
		WHERE collection = ?1 AND id IN (
			SELECT id FROM records
			WHERE collection = ?1
			ORDER BY updated_at, id
			LIMIT ?2
		)
	`, collection, n-target)
	if err != nil {
		return fmt.Errorf("%w: evict %s: %v", store.ErrStorage, collection, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
