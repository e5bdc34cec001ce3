package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/helpers"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a finished record is kept.
	TTL          time.Duration
	HistoryLimit int
}

// RedisStore keeps each record as JSON under prefix:call:{id}, a pointer to
// the active call under prefix:active, and finished call ids in the
// prefix:history list, newest first.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	limit  int64
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisStore(c, opts), nil
}

func newRedisStore(c *redis.Client, opts RedisOptions) *RedisStore {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "callsession:v1"
	}
	limit := int64(opts.HistoryLimit)
	if limit <= 0 {
		limit = 100
	}
	return &RedisStore{client: c, prefix: prefix, ttl: opts.TTL, limit: limit}
}

func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStore) callKey(id uuid.UUID) string { return r.prefix + ":call:" + id.String() }
func (r *RedisStore) activeKey() string           { return r.prefix + ":active" }
func (r *RedisStore) historyKey() string          { return r.prefix + ":history" }
func (r *RedisStore) contactKey(handle string) string {
	return r.prefix + ":contact:" + helpers.Fingerprint(handle)
}

// CreateCallRecord writes rec and marks it as the active call.
func (r *RedisStore) CreateCallRecord(ctx context.Context, rec call.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.callKey(rec.ID), data, 0)
		if rec.Active() {
			p.Set(ctx, r.activeKey(), rec.ID.String(), 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create call record: %w", err)
	}
	return nil
}

// UpdateCallRecord overwrites rec. A finished record gets the TTL and leaves
// the active pointer. Only records with an outcome are pushed onto the
// history list, exactly once.
func (r *RedisStore) UpdateCallRecord(ctx context.Context, rec call.Record) error {
	if rec.Active() {
		return r.CreateCallRecord(ctx, rec)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	id := rec.ID.String()

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.callKey(rec.ID), data, r.ttl)
		p.LRem(ctx, r.historyKey(), 0, id)
		if rec.Outcome != call.OutcomeNone {
			p.LPush(ctx, r.historyKey(), id)
			p.LTrim(ctx, r.historyKey(), 0, r.limit-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update call record: %w", err)
	}

	// Clear the pointer only if it still names this call.
	cur, err := r.client.Get(ctx, r.activeKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis read active call: %w", err)
	}
	if cur == id {
		if err := r.client.Del(ctx, r.activeKey()).Err(); err != nil {
			return fmt.Errorf("redis clear active call: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) FetchActiveCallRecord(ctx context.Context) (call.Record, bool, error) {
	id, err := r.client.Get(ctx, r.activeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return call.Record{}, false, nil
	}
	if err != nil {
		return call.Record{}, false, fmt.Errorf("redis read active call: %w", err)
	}
	rec, err := r.get(ctx, r.prefix+":call:"+id)
	if errors.Is(err, ErrNotFound) {
		return call.Record{}, false, nil
	}
	if err != nil {
		return call.Record{}, false, err
	}
	return rec, rec.Active(), nil
}

// History returns finished records, newest first. Ids whose record expired
// are skipped.
func (r *RedisStore) History(ctx context.Context, limit int) ([]call.Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.LRange(ctx, r.historyKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read history: %w", err)
	}
	if len(ids) == 0 {
		return []call.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefix + ":call:" + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read history records: %w", err)
	}

	out := make([]call.Record, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec call.Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode call record: %w", err)
		}
		if rec.Outcome == call.OutcomeNone {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) LookupContact(ctx context.Context, handle string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.contactKey(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis lookup contact: %w", err)
	}
	return v, true, nil
}

func (r *RedisStore) SaveContact(ctx context.Context, handle, contactID string) error {
	if err := r.client.Set(ctx, r.contactKey(handle), contactID, 0).Err(); err != nil {
		return fmt.Errorf("redis save contact: %w", err)
	}
	return nil
}

func (r *RedisStore) get(ctx context.Context, key string) (call.Record, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return call.Record{}, ErrNotFound
	}
	if err != nil {
		return call.Record{}, fmt.Errorf("redis read call record: %w", err)
	}
	var rec call.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return call.Record{}, fmt.Errorf("decode call record: %w", err)
	}
	return rec, nil
}
