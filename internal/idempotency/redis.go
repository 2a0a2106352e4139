package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "idempotency:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Redis keeps records as JSON strings with an expiry. Reservations use
// SET NX so only one request per key can run.
type Redis struct {
	client rueidis.Client
	prefix string
}

func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis: no address configured")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      []string{config.Addr},
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &Redis{client: client, prefix: config.KeyPrefix}, nil
}

func (r *Redis) Close() {
	r.client.Close()
}

func (r *Redis) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, bool, error) {
	fullKey := r.prefix + key

	data, err := json.Marshal(Record{RequestHash: requestHash})
	if err != nil {
		return nil, false, fmt.Errorf("redis reserve: failed to marshal: %w", err)
	}

	// the existing key can expire between SET NX and GET, so try twice
	for attempt := 0; attempt < 2; attempt++ {
		cmd := r.client.B().Set().Key(fullKey).Value(string(data)).Nx().Ex(ttl).Build()
		err = r.client.Do(ctx, cmd).Error()
		if err == nil {
			return nil, true, nil
		}
		if !rueidis.IsRedisNil(err) {
			return nil, false, fmt.Errorf("redis reserve: %w", err)
		}

		existing, err := r.get(ctx, fullKey)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("redis reserve: key %s kept expiring", key)
}

func (r *Redis) get(ctx context.Context, fullKey string) (*Record, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(fullKey).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("redis get: failed to unmarshal: %w", err)
	}
	return &record, nil
}

func (r *Redis) Complete(ctx context.Context, key string, record *Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis complete: failed to marshal: %w", err)
	}

	cmd := r.client.B().Set().Key(r.prefix + key).Value(string(data)).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	cmd := r.client.B().Del().Key(r.prefix + key).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
