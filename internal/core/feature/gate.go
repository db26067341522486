// Package feature answers boolean capability checks for optional capture
// behaviours. Every lookup failure resolves to "disabled".
package feature

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"screenshotter/internal/logger"
	rds "screenshotter/internal/platform/redis"

	"gopkg.in/yaml.v3"
)

// Flag names a gated capability.
type Flag string

const (
	FullPage Flag = "full_page"
	Selector Flag = "selector"
	Delay    Flag = "delay"
	PDF      Flag = "pdf"
)

// Gate is consulted synchronously before any browser work starts.
type Gate interface {
	IsEnabled(flag Flag) bool
}

// Static is an immutable flag set. Unknown flags are disabled.
type Static map[Flag]bool

func (s Static) IsEnabled(flag Flag) bool { return s[flag] }

// AllEnabled is handy for tests and local development.
func AllEnabled() Static {
	return Static{FullPage: true, Selector: true, Delay: true, PDF: true}
}

type flagFile struct {
	Flags map[string]bool `yaml:"flags"`
}

// LoadFile overlays the flags found in a YAML file onto base:
//
//	flags:
//	  full_page: true
//	  pdf: false
func LoadFile(path string, base Static) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature flags %s: %w", path, err)
	}
	var ff flagFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse feature flags %s: %w", path, err)
	}
	out := make(Static, len(base)+len(ff.Flags))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range ff.Flags {
		out[Flag(k)] = v
	}
	return out, nil
}

type cached struct {
	enabled bool
	at      time.Time
}

// RedisGate reads flags from the "capture:flags" hash ("1"/"true" = on) and
// caches each answer for ttl. The cached value may be stale by up to ttl.
type RedisGate struct {
	redis   *rds.Service
	ttl     time.Duration
	timeout time.Duration
	log     *logger.Logger

	mu    sync.Mutex
	cache map[Flag]cached
	now   func() time.Time
}

const flagsKey = "capture:flags"

func NewRedisGate(redis *rds.Service, ttl time.Duration) *RedisGate {
	return &RedisGate{
		redis:   redis,
		ttl:     ttl,
		timeout: 500 * time.Millisecond,
		log:     logger.New("FeatureGate"),
		cache:   make(map[Flag]cached),
		now:     time.Now,
	}
}

func (g *RedisGate) IsEnabled(flag Flag) bool {
	g.mu.Lock()
	if c, ok := g.cache[flag]; ok && g.now().Sub(c.at) < g.ttl {
		g.mu.Unlock()
		return c.enabled
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	v, err := g.redis.Client().HGet(ctx, flagsKey, string(flag)).Result()
	enabled := false
	switch {
	case rds.IsNil(err):
	case err != nil:
		g.log.LogWarnf("flag lookup %s failed, treating as disabled: %v", flag, err)
		// failures are not cached so the next call retries
		return false
	default:
		enabled = v == "1" || v == "true"
	}

	g.mu.Lock()
	g.cache[flag] = cached{enabled: enabled, at: g.now()}
	g.mu.Unlock()
	return enabled
}

// Set writes a flag value; used by operators and tests.
func (g *RedisGate) Set(ctx context.Context, flag Flag, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	if err := g.redis.Client().HSet(ctx, flagsKey, string(flag), v).Err(); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.cache, flag)
	g.mu.Unlock()
	return nil
}
