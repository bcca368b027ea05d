// Package presence keeps ephemeral collaboration state in Redis: who is
// looking at which document, the latest document state as a short-lived
// cache, and a pub/sub channel per document for cursor fan-out between
// server processes.
package presence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"wikicollab/internal/models"

	"github.com/redis/go-redis/v9"
)

// Options controls expiry of the records written by the store
type Options struct {
	PresenceTTL time.Duration
	CacheTTL    time.Duration
}

func (o Options) withDefaults() Options {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 5 * time.Minute
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
	return o
}

// RedisStore implements presence, state caching and cursor pub/sub on Redis
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// cachedState is the JSON shape of a cached document
type cachedState struct {
	State       string    `json:"state"` // hex
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(redisURL string, opts Options) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   opts.withDefaults(),
	}
}

func presenceKey(docID, userID string) string {
	return "presence:" + docID + ":" + userID
}

func presencePattern(docID string) string {
	return "presence:" + docID + ":*"
}

func stateKey(docID string) string {
	return "doc:" + docID + ":state"
}

func cursorChannel(docID string) string {
	return "doc:" + docID + ":cursors"
}

// SetPresence writes (or refreshes) a user's presence record for a document
func (s *RedisStore) SetPresence(ctx context.Context, docID string, p models.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, presenceKey(docID, p.UserID), data, s.opts.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// RemovePresence deletes a user's presence record. Missing records are not an error.
func (s *RedisStore) RemovePresence(ctx context.Context, docID, userID string) error {
	if err := s.client.Del(ctx, presenceKey(docID, userID)).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// ListPresence returns every unexpired presence record of a document,
// across all server processes.
func (s *RedisStore) ListPresence(ctx context.Context, docID string) ([]models.Presence, error) {
	var result []models.Presence

	iter := s.client.Scan(ctx, 0, presencePattern(docID), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// A user id never contains the separator, so skip keys of documents
		// whose id merely starts with docID.
		if strings.Contains(strings.TrimPrefix(key, "presence:"+docID+":"), ":") {
			continue
		}

		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("get presence: %w", err)
		}

		var p models.Presence
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("⚠️  Skipping corrupt presence record %s: %v", key, err)
			continue
		}
		result = append(result, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}

	return result, nil
}

// CacheDocument stores the latest state of a document with a short expiry
func (s *RedisStore) CacheDocument(ctx context.Context, docID string, state []byte, version int64) error {
	data, err := json.Marshal(cachedState{
		State:       hex.EncodeToString(state),
		Version:     version,
		LastUpdated: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal cached state: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(docID), data, s.opts.CacheTTL).Err(); err != nil {
		return fmt.Errorf("cache document: %w", err)
	}
	return nil
}

// LoadCachedDocument returns the cached state, or nil when nothing is cached
func (s *RedisStore) LoadCachedDocument(ctx context.Context, docID string) (*models.CachedDocument, error) {
	data, err := s.client.Get(ctx, stateKey(docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cached document: %w", err)
	}

	var cached cachedState
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("unmarshal cached document: %w", err)
	}
	state, err := hex.DecodeString(cached.State)
	if err != nil {
		return nil, fmt.Errorf("decode cached document: %w", err)
	}

	return &models.CachedDocument{
		State:       state,
		Version:     cached.Version,
		LastUpdated: cached.LastUpdated,
	}, nil
}

// PublishCursor publishes a cursor event on the document's channel
func (s *RedisStore) PublishCursor(ctx context.Context, docID string, evt models.CursorEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal cursor event: %w", err)
	}
	if err := s.client.Publish(ctx, cursorChannel(docID), data).Err(); err != nil {
		return fmt.Errorf("publish cursor: %w", err)
	}
	return nil
}

// Subscription delivers cursor events of one document until closed
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// SubscribeCursors subscribes to a document's cursor channel and calls
// handle for every event from a separate goroutine. The subscription is
// confirmed by Redis before this returns.
func (s *RedisStore) SubscribeCursors(ctx context.Context, docID string, handle func(models.CursorEvent)) (io.Closer, error) {
	pubsub := s.client.Subscribe(ctx, cursorChannel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe cursors: %w", err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var evt models.CursorEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("⚠️  Dropping malformed cursor event on %s: %v", msg.Channel, err)
				continue
			}
			handle(evt)
		}
	}()

	return sub, nil
}

// Close unsubscribes and waits for the delivery goroutine to exit
func (sub *Subscription) Close() error {
	var err error
	sub.once.Do(func() {
		err = sub.pubsub.Close()
		<-sub.done
	})
	return err
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
