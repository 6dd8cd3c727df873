package redisdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/redis/go-redis/v9"

	"lokalkasir/terminal/internal/domain"
	"lokalkasir/terminal/internal/remote"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store keeps documents in Redis: one JSON value per document plus a sorted
// set per collection scored by updated_at, which serves the cursor queries.
// Change notifications go over pub/sub.
type Store struct {
	client *redis.Client
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", domain.ErrRemoteUnavailable, err)
	}
	return &Store{client: client}, nil
}

func (s *Store) GetDocument(ctx context.Context, collection string, id string) (*remote.Document, error) {
	raw, err := s.client.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, remote.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var doc remote.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
	}
	return &doc, nil
}

func (s *Store) PutDocument(ctx context.Context, collection string, id string, data json.RawMessage, updatedAt int64) error {
	doc := remote.Document{ID: id, Data: data, UpdatedAt: updatedAt}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, docKey(collection, id), raw, 0)
	pipe.ZAdd(ctx, idxKey(collection), redis.Z{Score: float64(updatedAt), Member: id})
	pipe.Publish(ctx, changeChannel(collection), raw)
	if _, err := pipe.Exec(ctx); err != nil {
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
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, docKey(collection, id))
	pipe.ZRem(ctx, idxKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) QueryDocuments(ctx context.Context, collection string, updatedAfter int64, limit int) ([]remote.Document, error) {
	ids, err := s.client.ZRangeByScore(ctx, idxKey(collection), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(updatedAfter, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	docs := make([]remote.Document, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a document, cleaned up lazily.
			continue
		}
		var doc remote.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			log.Printf("[remote] WARN: skipping corrupt document %s: %v", keys[i], err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) Subscribe(collection string, onChange func(remote.Document)) (cancel func(), err error) {
	ps := s.client.Subscribe(context.Background(), changeChannel(collection))
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var doc remote.Document
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				log.Printf("[remote] WARN: undecodable change on %s: %v", msg.Channel, err)
				continue
			}
			onChange(doc)
		}
	}()
	return func() { _ = ps.Close() }, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func docKey(collection string, id string) string {
	return "doc:" + collection + ":" + id
}

func idxKey(collection string) string {
	return "idx:" + collection
}

func changeChannel(collection string) string {
	return "changes:" + collection
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
}
