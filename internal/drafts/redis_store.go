// Package drafts autosaves contributor working copies in Redis between
// explicit commits. A draft expires after the store TTL; each save also pushes
// a compact entry onto a bounded per-contributor history list.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spanlab/api/internal/annotation"
)

// ErrNoDraft is returned when no unexpired draft exists.
var ErrNoDraft = errors.New("draft not found or expired")

const historyLimit = 50

// Draft is a saved working copy.
type Draft struct {
	DocumentID  string              `json:"document_id"`
	Contributor string              `json:"contributor"`
	Snapshot    annotation.Snapshot `json:"snapshot"`
	SavedAt     time.Time           `json:"saved_at"`
}

// HistoryEntry summarises one save without the snapshot body.
type HistoryEntry struct {
	SavedAt   time.Time `json:"saved_at"`
	SpanCount int       `json:"span_count"`
	Groups    int       `json:"groups"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "draft:", ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(documentID, contributor string) string {
	return s.prefix + documentID + ":" + contributor
}

func (s *RedisStore) historyKey(documentID, contributor string) string {
	return s.key(documentID, contributor) + ":history"
}

// Save replaces the contributor's draft and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, contributor string, snap annotation.Snapshot) (Draft, error) {
	draft := Draft{
		DocumentID:  snap.DocumentID,
		Contributor: contributor,
		Snapshot:    snap,
		SavedAt:     s.now().UTC(),
	}
	body, err := json.Marshal(draft)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal draft: %w", err)
	}
	entry, err := json.Marshal(HistoryEntry{SavedAt: draft.SavedAt, SpanCount: len(snap.Spans), Groups: len(snap.Groups)})
	if err != nil {
		return Draft{}, fmt.Errorf("marshal draft history: %w", err)
	}

	hk := s.historyKey(snap.DocumentID, contributor)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(snap.DocumentID, contributor), body, s.ttl)
	pipe.LPush(ctx, hk, entry)
	pipe.LTrim(ctx, hk, 0, historyLimit-1)
	pipe.Expire(ctx, hk, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Draft{}, fmt.Errorf("save draft: %w", err)
	}
	return draft, nil
}

// Load returns the contributor's draft for the document.
func (s *RedisStore) Load(ctx context.Context, documentID, contributor string) (Draft, error) {
	body, err := s.client.Get(ctx, s.key(documentID, contributor)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Draft{}, ErrNoDraft
	}
	if err != nil {
		return Draft{}, fmt.Errorf("load draft: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal(body, &draft); err != nil {
		return Draft{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	return draft, nil
}

// History lists the most recent saves, newest first.
func (s *RedisStore) History(ctx context.Context, documentID, contributor string) ([]HistoryEntry, error) {
	raw, err := s.client.LRange(ctx, s.historyKey(documentID, contributor), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("draft history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal draft history: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Discard deletes the draft and its history. Discarding nothing is not an error.
func (s *RedisStore) Discard(ctx context.Context, documentID, contributor string) error {
	if err := s.client.Del(ctx, s.key(documentID, contributor), s.historyKey(documentID, contributor)).Err(); err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
