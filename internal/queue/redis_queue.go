package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by ClaimBlocking when the wait slot elapses with
// nothing to dequeue.
var ErrEmpty = errors.New("queue: empty")

// Queue is a durable FIFO with exclusive dequeue. Once claimed, a job id is
// visible to exactly one worker until acked or reaped.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	ClaimBlocking(ctx context.Context, wait time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int64, error)
	ReapStale(ctx context.Context, olderThan time.Duration, max int64) ([]string, error)
}

// redisQueue implements a reliable queue on Redis lists.
// Enqueue: LPUSH queueKey
// Claim:   BRPOPLPUSH queueKey -> processingKey, claim time recorded in claimsKey
// Ack:     LREM from processingKey, claim removed
// A claim left in processing past its deadline belongs to a crashed worker;
// the reaper removes it so the caller can mark the job as failed. Claims are
// never re-queued: retry storms against the external tools are worse than a
// reported error.
type redisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
	claimsKey     string

	// unstamped tracks claims seen without a timestamp, so a claim caught in
	// the instant between BRPOPLPUSH and HSET is not reaped out from under a
	// live worker. Only a claim still timestamp-less on a second scan is dead.
	mu        sync.Mutex
	unstamped map[string]struct{}
}

func NewRedisQueue(rdb *redis.Client, baseKey string) Queue {
	return &redisQueue{
		rdb:           rdb,
		queueKey:      baseKey,
		processingKey: baseKey + ":processing",
		claimsKey:     baseKey + ":claims",
		unstamped:     make(map[string]struct{}),
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueKey, jobID).Err()
}

func (q *redisQueue) ClaimBlocking(ctx context.Context, wait time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", err
	}
	// Record the claim time so the reaper can tell live claims from dead ones.
	if hErr := q.rdb.HSet(ctx, q.claimsKey, id, time.Now().UTC().Format(time.RFC3339Nano)).Err(); hErr != nil {
		return "", hErr
	}
	return id, nil
}

func (q *redisQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err(); err != nil {
		return err
	}
	q.forget(jobID)
	return q.rdb.HDel(ctx, q.claimsKey, jobID).Err()
}

func (q *redisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueKey).Result()
}

// ReapStale removes claims older than olderThan from the processing list and
// returns their job ids. A timestamp-less claim is reaped only once it has
// stayed timestamp-less across two scans: the worker that died between
// BRPOPLPUSH and HSET never stamps it, while a live worker stamps it well
// before the next scan.
func (q *redisQueue) ReapStale(ctx context.Context, olderThan time.Duration, max int64) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	var reaped []string
	for _, id := range ids {
		if int64(len(reaped)) >= max {
			break
		}
		claimedAt, err := q.rdb.HGet(ctx, q.claimsKey, id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return reaped, err
		}
		hasStamp := err == nil

		q.mu.Lock()
		_, seenUnstamped := q.unstamped[id]
		q.mu.Unlock()

		switch judgeClaim(claimedAt, hasStamp, cutoff, seenUnstamped) {
		case claimLive:
			q.forget(id)
			continue
		case claimPending:
			q.mu.Lock()
			q.unstamped[id] = struct{}{}
			q.mu.Unlock()
			continue
		}

		if err := q.rdb.LRem(ctx, q.processingKey, 1, id).Err(); err != nil {
			return reaped, err
		}
		_ = q.rdb.HDel(ctx, q.claimsKey, id).Err()
		q.forget(id)
		reaped = append(reaped, id)
	}
	return reaped, nil
}

type reapVerdict int

const (
	claimLive reapVerdict = iota
	claimStale
	claimPending
)

// judgeClaim decides the fate of one processing entry. An unreadable or
// expired timestamp means the worker is gone; a missing timestamp is stale
// only on its second sighting.
func judgeClaim(claimedAt string, hasStamp bool, cutoff time.Time, seenUnstamped bool) reapVerdict {
	if !hasStamp {
		if seenUnstamped {
			return claimStale
		}
		return claimPending
	}
	ts, err := time.Parse(time.RFC3339Nano, claimedAt)
	if err != nil || !ts.After(cutoff) {
		return claimStale
	}
	return claimLive
}

func (q *redisQueue) forget(id string) {
	q.mu.Lock()
	delete(q.unstamped, id)
	q.mu.Unlock()
}
