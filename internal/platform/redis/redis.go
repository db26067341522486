package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"screenshotter/internal/logger"

	redisv8 "github.com/go-redis/redis/v8"
)

type Options struct {
	Addr     string
	Password string
}

type Service struct {
	client *redisv8.Client
	log    *logger.Logger
}

func New(opts Options) (*Service, error) {
	c := redisv8.NewClient(&redisv8.Options{Addr: opts.Addr, Password: opts.Password})
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Service{client: c, log: logger.New("Redis")}, nil
}

// NewFromClient wraps an existing client without pinging it.
func NewFromClient(c *redisv8.Client) *Service {
	return &Service{client: c, log: logger.New("Redis")}
}

func (s *Service) Close() error            { return s.client.Close() }
func (s *Service) Client() *redisv8.Client { return s.client }

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.LogErrorf("Redis health check failed: %v", err)
		return fmt.Errorf("redis ping failed: %v", err)
	}

	testKey := "health:test:" + time.Now().Format("20060102150405")
	testValue := "ok"

	if err := s.client.Set(ctx, testKey, testValue, 10*time.Second).Err(); err != nil {
		return fmt.Errorf("redis write test failed: %v", err)
	}

	val, err := s.client.Get(ctx, testKey).Result()
	if err != nil {
		return fmt.Errorf("redis read test failed: %v", err)
	}

	if val != testValue {
		return fmt.Errorf("redis value mismatch: got %s, want %s", val, testValue)
	}

	_ = s.client.Del(ctx, testKey).Err()

	return nil
}

// CacheGet decodes the JSON value stored at key into dest.
func (s *Service) CacheGet(ctx context.Context, key string, dest interface{}) error {
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

// IsNil reports whether err is the redis "key does not exist" reply.
func IsNil(err error) bool { return err == redisv8.Nil }
