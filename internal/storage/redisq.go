package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/domain"
)

var (
	_ Store        = (*RedisQ)(nil)
	_ TenantLister = (*RedisQ)(nil)
)

// scanBatch is how many ids are fetched per ZRANGEBYSCORE page.
const scanBatch = 100

// errClaimLost aborts a WATCH transaction whose record changed under us.
var errClaimLost = errors.New("claim lost")

// RedisQ keeps each record in a hash and orders a queue with a sorted set
// scored by id. Redis has no row locks; a claim WATCHes the record hash and
// swaps reserved_at inside MULTI, so a concurrent claim aborts the other.
//
// Keys:
//
//	<table>:seq          id sequence
//	<table>:job:<id>     record hash
//	<table>:queue:<name> sorted set of ids
//	<table>:tenants      set of tenant ids ever pushed
//	<failed>             list of buried records
type RedisQ struct {
	rdb  *r.Client
	opts Options
}

func NewRedis(rdb *r.Client, opts Options) *RedisQ {
	return &RedisQ{rdb: rdb, opts: opts.withDefaults()}
}

func (q *RedisQ) seqKey() string { return q.opts.Table + ":seq" }
func (q *RedisQ) jobKey(id int64) string { return fmt.Sprintf("%s:job:%d", q.opts.Table, id) }
func (q *RedisQ) queueKey(name string) string { return q.opts.Table + ":queue:" + name }
func (q *RedisQ) tenantsKey() string { return q.opts.Table + ":tenants" }

func (q *RedisQ) Push(ctx context.Context, rec *domain.Record) (int64, error) {
	id, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("tenantq/redis: push: %w", err)
	}
	now := q.opts.Now()
	availableAt := rec.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		"queue":        rec.Queue,
		"payload":      rec.Payload,
		"tenant_id":    rec.TenantID,
		"attempts":     0,
		"available_at": availableAt.UnixNano(),
		"reserved_at":  0,
		"created_at":   now.UnixNano(),
	})
	pipe.ZAdd(ctx, q.queueKey(rec.Queue), r.Z{Score: float64(id), Member: id})
	if rec.TenantID != "" {
		pipe.SAdd(ctx, q.tenantsKey(), rec.TenantID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("tenantq/redis: push: %w", err)
	}
	return id, nil
}

// Tenants lists every tenant that has pushed to this store. Tenants whose
// records are all gone stay listed.
func (q *RedisQ) Tenants(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, q.tenantsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("tenantq/redis: tenants: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func decodeRecord(id int64, h map[string]string) (*domain.Record, error) {
	if len(h) == 0 {
		return nil, nil
	}
	ints := make(map[string]int64, 4)
	for _, f := range []string{"attempts", "available_at", "reserved_at", "created_at"} {
		n, err := strconv.ParseInt(h[f], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s of job %d: %w", f, id, err)
		}
		ints[f] = n
	}
	rec := &domain.Record{
		ID:          id,
		Queue:       h["queue"],
		Payload:     []byte(h["payload"]),
		TenantID:    h["tenant_id"],
		Attempts:    int(ints["attempts"]),
		AvailableAt: time.Unix(0, ints["available_at"]).UTC(),
		CreatedAt:   time.Unix(0, ints["created_at"]).UTC(),
	}
	if ns := ints["reserved_at"]; ns != 0 {
		ts := time.Unix(0, ns).UTC()
		rec.ReservedAt = &ts
	}
	return rec, nil
}

func (q *RedisQ) eligible(rec *domain.Record, now time.Time) bool {
	return rec != nil && q.opts.Tenancy.Allows(rec.TenantID) && rec.Available(now, q.opts.RetryAfter)
}

// scan walks queue in id order and calls fn for every eligible record until
// fn returns false.
func (q *RedisQ) scan(ctx context.Context, queue string, now time.Time, fn func(*domain.Record) bool) error {
	for offset := int64(0); ; offset += scanBatch {
		ids, err := q.rdb.ZRangeByScore(ctx, q.queueKey(queue), &r.ZRangeBy{
			Min: "-inf", Max: "+inf", Offset: offset, Count: scanBatch,
		}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		pipe := q.rdb.Pipeline()
		cmds := make([]*r.MapStringStringCmd, len(ids))
		for i, s := range ids {
			id, _ := strconv.ParseInt(s, 10, 64)
			cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		for i, s := range ids {
			id, _ := strconv.ParseInt(s, 10, 64)
			rec, err := decodeRecord(id, cmds[i].Val())
			if err != nil {
				return err
			}
			if q.eligible(rec, now) && !fn(rec) {
				return nil
			}
		}
	}
}

func (q *RedisQ) Pop(ctx context.Context, queue string) (*domain.Record, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := q.opts.Now()
		var next *domain.Record
		err := q.scan(ctx, queue, now, func(rec *domain.Record) bool {
			next = rec
			return false
		})
		if err != nil {
			return nil, fmt.Errorf("tenantq/redis: select next: %w", err)
		}
		if next == nil {
			return nil, nil
		}

		key := q.jobKey(next.ID)
		err = q.rdb.Watch(ctx, func(tx *r.Tx) error {
			h, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			cur, err := decodeRecord(next.ID, h)
			if err != nil {
				return err
			}
			if !q.eligible(cur, now) {
				return errClaimLost
			}
			_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
				pipe.HSet(ctx, key, "reserved_at", now.UnixNano())
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			next.ReservedAt = &now
			return next, nil
		case errors.Is(err, r.TxFailedErr), errors.Is(err, errClaimLost):
			q.opts.Logger.Debug("claim conflict", zap.Int64("job_id", next.ID), zap.Int("attempt", attempt+1))
		default:
			return nil, fmt.Errorf("tenantq/redis: reserve %d: %w", next.ID, err)
		}
	}
	return nil, domain.ErrClaimConflict
}

func (q *RedisQ) Size(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := q.scan(ctx, queue, q.opts.Now(), func(*domain.Record) bool {
		n++
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("tenantq/redis: size: %w", err)
	}
	return n, nil
}

func (q *RedisQ) Delete(ctx context.Context, id int64) error {
	name, err := q.rdb.HGet(ctx, q.jobKey(id), "queue").Result()
	if errors.Is(err, r.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tenantq/redis: delete %d: %w", id, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.jobKey(id))
	pipe.ZRem(ctx, q.queueKey(name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenantq/redis: delete %d: %w", id, err)
	}
	return nil
}

func (q *RedisQ) Release(ctx context.Context, rec *domain.Record, delay time.Duration) error {
	key := q.jobKey(rec.ID)
	exists, err := q.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("tenantq/redis: release %d: %w", rec.ID, err)
	}
	if exists == 0 {
		return domain.ErrJobNotFound
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, "reserved_at", 0, "available_at", q.opts.Now().Add(delay).UnixNano())
	pipe.HIncrBy(ctx, key, "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenantq/redis: release %d: %w", rec.ID, err)
	}
	return nil
}

type buried struct {
	JobID     int64  `json:"job_id"`
	Queue     string `json:"queue"`
	Payload   []byte `json:"payload"`
	TenantID  string `json:"tenant_id,omitempty"`
	Exception string `json:"exception"`
	FailedAt  int64  `json:"failed_at"`
}

func (q *RedisQ) Bury(ctx context.Context, rec *domain.Record, reason error) error {
	b, err := json.Marshal(buried{
		JobID:     rec.ID,
		Queue:     rec.Queue,
		Payload:   rec.Payload,
		TenantID:  rec.TenantID,
		Exception: reasonText(reason),
		FailedAt:  q.opts.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("tenantq/redis: bury %d: %w", rec.ID, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.opts.FailedTable, b)
	pipe.Del(ctx, q.jobKey(rec.ID))
	pipe.ZRem(ctx, q.queueKey(rec.Queue), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenantq/redis: bury %d: %w", rec.ID, err)
	}
	return nil
}
