package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easeaico/memory-journal/internal/memory"
)

// Record is a batch whose flush ran out of retries.
type Record struct {
	UserID    string        `json:"user_id"`
	Epoch     uint64        `json:"epoch"`
	EpisodeID string        `json:"episode_id"`
	Turns     []memory.Turn `json:"turns"`
	LastError string        `json:"last_error"`
	FailedAt  time.Time     `json:"failed_at"`
	Attempts  int           `json:"attempts"`
}

func (r Record) batch() Batch {
	return Batch{UserID: r.UserID, Epoch: r.Epoch, EpisodeID: r.EpisodeID, Turns: r.Turns}
}

// OverflowStore keeps failed batches for later replay.
type OverflowStore interface {
	Push(ctx context.Context, rec Record) error
	// Drain removes and returns up to max records, oldest first. max <= 0 drains all.
	Drain(ctx context.Context, max int) ([]Record, error)
	Len(ctx context.Context) (int64, error)
}

// MemoryOverflow is an in-process OverflowStore.
type MemoryOverflow struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryOverflow returns an empty in-memory overflow store.
func NewMemoryOverflow() *MemoryOverflow {
	return &MemoryOverflow{}
}

func (m *MemoryOverflow) Push(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryOverflow) Drain(_ context.Context, max int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	if max > 0 && max < n {
		n = max
	}
	out := append([]Record(nil), m.records[:n]...)
	m.records = m.records[n:]
	return out, nil
}

func (m *MemoryOverflow) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

// RedisOverflow stores records as JSON in a Redis list.
type RedisOverflow struct {
	client *redis.Client
	key    string
}

// RedisOptions configures the overflow connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisOverflow connects to Redis and verifies the connection.
func NewRedisOverflow(ctx context.Context, opts RedisOptions) (*RedisOverflow, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := opts.Key
	if key == "" {
		key = "journal:overflow"
	}
	return &RedisOverflow{client: client, key: key}, nil
}

// Close closes the Redis client.
func (r *RedisOverflow) Close() error {
	return r.client.Close()
}

func (r *RedisOverflow) Push(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal overflow record: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push overflow record: %w", err)
	}
	return nil
}

func (r *RedisOverflow) Drain(ctx context.Context, max int) ([]Record, error) {
	count := max
	if count <= 0 {
		n, err := r.client.LLen(ctx, r.key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read overflow length: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		count = int(n)
	}

	items, err := r.client.LPopCount(ctx, r.key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to drain overflow: %w", err)
	}

	// Undecodable items are already popped; report them without dropping the rest.
	var (
		records = make([]Record, 0, len(items))
		bad     []error
	)
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			bad = append(bad, fmt.Errorf("failed to unmarshal overflow record: %w", err))
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(bad...)
}

func (r *RedisOverflow) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read overflow length: %w", err)
	}
	return n, nil
}

var (
	_ OverflowStore = (*MemoryOverflow)(nil)
	_ OverflowStore = (*RedisOverflow)(nil)
)
