package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of Store[S].
//
// Key layout (prefix defaults to "postgraph:"):
//
//	<prefix>exec:<id>               => JSON of the latest checkpoint
//	<prefix>hist:<id>               => LIST of every checkpoint, version order
//	<prefix>idx:status:<status>     => ZSET of execution IDs scored by updated_at (ns)
//
// Save runs under WATCH on the execution's keys so the payload, history and
// status index move together; a concurrent writer to the same ID causes a
// retry rather than a lost update.
type RedisStore[S any] struct {
	client *redis.Client
	prefix string
}

const redisSaveAttempts = 5

type redisRecord struct {
	ExecutionID string          `json:"execution_id"`
	OwnerID     string          `json:"owner_id"`
	Status      Status          `json:"status"`
	State       json.RawMessage `json:"state"`
	Version     int             `json:"version"`
	UpdatedAtNs int64           `json:"updated_at_ns"`
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore[S any](client *redis.Client, prefix string) *RedisStore[S] {
	if prefix == "" {
		prefix = "postgraph:"
	}
	return &RedisStore[S]{client: client, prefix: prefix}
}

func (r *RedisStore[S]) keyExec(id string) string {
	return r.prefix + "exec:" + id
}

func (r *RedisStore[S]) keyHistory(id string) string {
	return r.prefix + "hist:" + id
}

func (r *RedisStore[S]) keyStatus(status Status) string {
	return r.prefix + "idx:status:" + string(status)
}

// Save appends a checkpoint and moves the execution between status indexes.
func (r *RedisStore[S]) Save(ctx context.Context, rec Record[S]) error {
	if err := validate(rec); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	execKey := r.keyExec(rec.ExecutionID)
	histKey := r.keyHistory(rec.ExecutionID)

	txf := func(tx *redis.Tx) error {
		payload := redisRecord{
			ExecutionID: rec.ExecutionID,
			OwnerID:     rec.OwnerID,
			Status:      rec.Status,
			State:       stateJSON,
			UpdatedAtNs: rec.UpdatedAt.UnixNano(),
		}

		var prev redisRecord
		prevData, err := tx.Get(ctx, execKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(prevData, &prev); err != nil {
				return fmt.Errorf("failed to decode checkpoint: %w", err)
			}
			payload.OwnerID = prev.OwnerID
		}
		payload.Version = prev.Version + 1

		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, execKey, data, 0)
			pipe.RPush(ctx, histKey, data)
			if prev.Status != "" && prev.Status != rec.Status {
				pipe.ZRem(ctx, r.keyStatus(prev.Status), rec.ExecutionID)
			}
			pipe.ZAdd(ctx, r.keyStatus(rec.Status), redis.Z{
				Score:  float64(payload.UpdatedAtNs),
				Member: rec.ExecutionID,
			})
			return nil
		})
		return err
	}

	for i := 0; i < redisSaveAttempts; i++ {
		err = r.client.Watch(ctx, txf, execKey, histKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return unavailable("save", err)
	}
	return nil
}

// Load returns the latest checkpoint.
func (r *RedisStore[S]) Load(ctx context.Context, executionID string) (Record[S], error) {
	data, err := r.client.Get(ctx, r.keyExec(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record[S]{}, ErrNotFound
	}
	if err != nil {
		return Record[S]{}, unavailable("load", err)
	}
	return decodeRedisRecord[S](data)
}

// List reads the status indexes newest first, then fetches the payloads in
// one pipeline. Payloads whose status moved since the index read are dropped.
func (r *RedisStore[S]) List(ctx context.Context, filter Filter) ([]Record[S], error) {
	var ids []string
	seen := make(map[string]bool)
	for _, status := range filter.statuses() {
		members, err := r.client.ZRevRange(ctx, r.keyStatus(status), 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, unavailable("list", err)
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return []Record[S]{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyExec(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list", err)
	}

	out := make([]Record[S], 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, unavailable("list", err)
		}
		rec, err := decodeRedisRecord[S](data)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(rec.Status, rec.OwnerID) {
			continue
		}
		out = append(out, rec)
	}

	sortRecent(out)
	return applyLimit(out, filter.Limit), nil
}

// History returns every checkpoint in version order.
func (r *RedisStore[S]) History(ctx context.Context, executionID string) ([]Record[S], error) {
	items, err := r.client.LRange(ctx, r.keyHistory(executionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("history", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Record[S], 0, len(items))
	for _, item := range items {
		rec, err := decodeRedisRecord[S]([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping verifies the server is reachable.
func (r *RedisStore[S]) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore[S]) Close() error {
	return r.client.Close()
}

func decodeRedisRecord[S any](data []byte) (Record[S], error) {
	var payload redisRecord
	if err := json.Unmarshal(data, &payload); err != nil {
		return Record[S]{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	rec := Record[S]{
		ExecutionID: payload.ExecutionID,
		OwnerID:     payload.OwnerID,
		Status:      payload.Status,
		Version:     payload.Version,
		UpdatedAt:   time.Unix(0, payload.UpdatedAtNs).UTC(),
	}
	if err := json.Unmarshal(payload.State, &rec.State); err != nil {
		return Record[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return rec, nil
}
