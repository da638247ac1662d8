package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLockKey builds the redis key serializing auto-journal generation runs.
func RunLockKey() string {
	return "autojournal:run:lock"
}

// RunLock serializes batch runs so two invocations never interleave.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunLock constructs a RunLock with the given safety TTL.
func NewRunLock(client *redis.Client, ttl time.Duration) *RunLock {
	return &RunLock{client: client, ttl: ttl}
}

// Acquire takes the lock on behalf of processNumber.
func (l *RunLock) Acquire(ctx context.Context, processNumber string) error {
	if l == nil || l.client == nil {
		return errors.New("run lock not initialised")
	}
	ok, err := l.client.SetNX(ctx, RunLockKey(), processNumber, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("run lock acquire: %w", err)
	}
	if !ok {
		return ErrRunInProgress
	}
	return nil
}

// Release frees the lock, but only when still held by processNumber.
func (l *RunLock) Release(ctx context.Context, processNumber string) error {
	if l == nil || l.client == nil {
		return errors.New("run lock not initialised")
	}
	held, err := l.client.Get(ctx, RunLockKey()).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("run lock release: %w", err)
	}
	if held != processNumber {
		return nil
	}
	return l.client.Del(ctx, RunLockKey()).Err()
}
