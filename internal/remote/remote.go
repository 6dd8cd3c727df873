package remote

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("document not found")

// Document is a record as the remote store sees it. UpdatedAt is unix
// milliseconds and must be queryable as a cursor.
type Document struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"`
}

// Store is the opaque remote source of truth. Implementations wrap transport
// failures in domain.ErrRemoteUnavailable so callers can route them into the
// offline fallback path.
type Store interface {
	GetDocument(ctx context.Context, collection string, id string) (*Document, error)
	PutDocument(ctx context.Context, collection string, id string, data json.RawMessage, updatedAt int64) error
	// UpdateDocument shallow-merges patch into the stored document.
	UpdateDocument(ctx context.Context, collection string, id string, patch json.RawMessage, updatedAt int64) error
	DeleteDocument(ctx context.Context, collection string, id string) error
	// QueryDocuments returns documents with updated_at strictly greater than
	// updatedAfter, ordered by updated_at ascending, at most limit.
	QueryDocuments(ctx context.Context, collection string, updatedAfter int64, limit int) ([]Document, error)
	// Subscribe delivers change notifications for a collection until the
	// returned cancel func is called. Best effort; the pull cycle remains the
	// source of truth.
	Subscribe(collection string, onChange func(Document)) (cancel func(), err error)
	Close() error
}

// MergePatch applies a shallow JSON merge of patch onto base.
func MergePatch(base json.RawMessage, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}
