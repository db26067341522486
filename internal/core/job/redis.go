package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"screenshotter/internal/logger"
	rds "screenshotter/internal/platform/redis"

	redisv8 "github.com/go-redis/redis/v8"
)

const updateRetries = 5

// RedisLedger stores one JSON document per job plus one set per status so
// reconciliation can find stuck jobs without scanning the keyspace.
// Records carry no TTL; they live until an explicit Delete.
type RedisLedger struct {
	redis *rds.Service
	log   *logger.Logger
}

func NewRedisLedger(redis *rds.Service) *RedisLedger {
	return &RedisLedger{redis: redis, log: logger.New("Ledger")}
}

func (l *RedisLedger) Create(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	// The document and its status index are written in one MULTI so a crash
	// cannot leave a record that reconciliation is unable to find.
	txf := func(tx *redisv8.Tx) error {
		n, err := tx.Exists(ctx, key(j.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, j.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redisv8.Pipeliner) error {
			pipe.Set(ctx, key(j.ID), b, 0)
			pipe.SAdd(ctx, statusKey(j.Status), j.ID)
			return nil
		})
		return err
	}
	err = l.redis.Client().Watch(ctx, txf, key(j.ID))
	switch {
	case errors.Is(err, redisv8.TxFailedErr):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, j.ID)
	case errors.Is(err, ErrAlreadyExists):
		return err
	case err != nil:
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	l.publish(ctx, j.ID)
	return nil
}

func (l *RedisLedger) Update(ctx context.Context, id string, f Fields) (*Job, error) {
	c := l.redis.Client()
	var out *Job
	txf := func(tx *redisv8.Tx) error {
		b, err := tx.Get(ctx, key(id)).Bytes()
		if rds.IsNil(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var cur Job
		if err := json.Unmarshal(b, &cur); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		prev := cur.Status
		if err := Apply(&cur, f); err != nil {
			return err
		}
		nb, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redisv8.Pipeliner) error {
			pipe.Set(ctx, key(id), nb, 0)
			if prev != cur.Status {
				pipe.SRem(ctx, statusKey(prev), id)
				pipe.SAdd(ctx, statusKey(cur.Status), id)
			}
			return nil
		})
		if err == nil {
			out = &cur
		}
		return err
	}

	for i := 0; i < updateRetries; i++ {
		err := c.Watch(ctx, txf, key(id))
		if err == nil {
			l.publish(ctx, id)
			return out, nil
		}
		if errors.Is(err, redisv8.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update job %s: too much contention", id)
}

func (l *RedisLedger) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := l.redis.CacheGet(ctx, key(id), &j); err != nil {
		if rds.IsNil(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &j, nil
}

func (l *RedisLedger) Delete(ctx context.Context, id string) error {
	j, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = l.redis.Client().TxPipelined(ctx, func(pipe redisv8.Pipeliner) error {
		pipe.Del(ctx, key(id))
		pipe.SRem(ctx, statusKey(j.Status), id)
		return nil
	})
	return err
}

func (l *RedisLedger) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	c := l.redis.Client()
	ids, err := c.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// index entry without a document; drop it
			_ = c.SRem(ctx, statusKey(status), ids[i]).Err()
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			l.log.LogWarnf("skipping undecodable job %s: %v", ids[i], err)
			continue
		}
		if j.Status == status {
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.Before(out[b].SubmittedAt) })
	return out, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.redis.Client().Ping(ctx).Err()
}

// Close is a no-op; the redis service is owned by main.
func (l *RedisLedger) Close() error { return nil }

// publish notifies subscribers of the job channel that the record changed.
func (l *RedisLedger) publish(ctx context.Context, id string) {
	_ = l.redis.Client().Publish(ctx, key(id), "updated").Err()
}

func key(id string) string { return "capture:job:" + id }

func statusKey(s Status) string { return "capture:jobs:" + string(s) }
