package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("document lock held by another session")

// Lock is the current holder of a document's edit lock.
type Lock struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockStore manages per-document edit locks in Redis. A lock carries a TTL
// so an acquisition whose external sign-in never completes is released when
// the window closes instead of being held indefinitely.
type LockStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLockStore(client *redis.Client, ttl time.Duration) *LockStore {
	return &LockStore{client: client, prefix: "doclock:", ttl: ttl}
}

func (s *LockStore) key(documentID string) string {
	return s.prefix + documentID
}

// Acquire takes the edit lock for ownerID. Re-acquiring a lock you already
// hold refreshes its window; a lock held by someone else fails with
// ErrLockHeld.
func (s *LockStore) Acquire(ctx context.Context, documentID, ownerID string) error {
	ok, err := s.client.SetNX(ctx, s.key(documentID), ownerID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if ok {
		return nil
	}
	holder, err := s.client.Get(ctx, s.key(documentID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read lock holder: %w", err)
	}
	if holder == ownerID {
		if err := s.client.Expire(ctx, s.key(documentID), s.ttl).Err(); err != nil {
			return fmt.Errorf("refresh lock: %w", err)
		}
		return nil
	}
	return ErrLockHeld
}

// Holder returns the current lock owner, or "" when unlocked.
func (s *LockStore) Holder(ctx context.Context, documentID string) (string, error) {
	holder, err := s.client.Get(ctx, s.key(documentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}
	return holder, nil
}

// Release drops the lock if ownerID still holds it. Releasing a lock that
// expired or was taken over is not an error.
func (s *LockStore) Release(ctx context.Context, documentID, ownerID string) error {
	holder, err := s.Holder(ctx, documentID)
	if err != nil {
		return err
	}
	if holder != ownerID {
		return nil
	}
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
