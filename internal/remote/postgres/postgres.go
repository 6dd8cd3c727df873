package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/remote"
)

// Store is the Postgres-backed remote document store used when the terminal
// syncs against a self-hosted backend. One documents table indexed by
// (collection, updated_at) serves the cursor queries; change notifications
// are approximated by polling since the pull cycle is the source of truth
// anyway.
type Store struct {
	db           *sql.DB
	pollInterval time.Duration

	mu      sync.Mutex
	subs    []*subscription
	closing bool
}

type subscription struct {
	stop chan struct{}
	once sync.Once
}

func (s *subscription) cancel() {
	s.once.Do(func() { close(s.stop) })
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents (collection, updated_at);
`

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", domain.ErrRemoteUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Store{db: db, pollInterval: 15 * time.Second}, nil
}

func (s *Store) GetDocument(ctx context.Context, collection string, id string) (*remote.Document, error) {
	var doc remote.Document
	doc.ID = id
	err := s.db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&doc.Data, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, remote.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &doc, nil
}

func (s *Store) PutDocument(ctx context.Context, collection string, id string, data json.RawMessage, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, collection, id, []byte(data), updatedAt)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) UpdateDocument(ctx context.Context, collection string, id string, patch json.RawMessage, updatedAt int64) error {
	existing, err := s.GetDocument(ctx, collection, id)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	var base json.RawMessage
	if existing != nil {
		base = existing.Data
	}
	merged, err := remote.MergePatch(base, patch)
	if err != nil {
		return err
	}
	return s.PutDocument(ctx, collection, id, merged, updatedAt)
}

func (s *Store) DeleteDocument(ctx context.Context, collection string, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) QueryDocuments(ctx context.Context, collection string, updatedAfter int64, limit int) ([]remote.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data, updated_at FROM documents
		WHERE collection = $1 AND updated_at > $2
		ORDER BY updated_at, id
		LIMIT $3
	`, collection, updatedAfter, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	docs := make([]remote.Document, 0, limit)
	for rows.Next() {
		var doc remote.Document
		if err := rows.Scan(&doc.ID, &doc.Data, &doc.UpdatedAt); err != nil {
			return nil, unavailable(err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return docs, nil
}

// Subscribe polls for documents newer than the highest updated_at seen.
func (s *Store) Subscribe(collection string, onChange func(remote.Document)) (cancel func(), err error) {
	sub := &subscription{stop: make(chan struct{})}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, errors.New("store is closed")
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		ctx := context.Background()
		cursor := time.Now().UTC().UnixMilli()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sub.stop:
				return
			case <-ticker.C:
			}
			docs, err := s.QueryDocuments(ctx, collection, cursor, 100)
			if err != nil {
				continue
			}
			for _, doc := range docs {
				if doc.UpdatedAt > cursor {
					cursor = doc.UpdatedAt
				}
				onChange(doc)
			}
		}
	}()

	return sub.cancel, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closing = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	return s.db.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
}
