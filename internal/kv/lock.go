package kv

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Locker hands out short-lived exclusive leases backed by a Store.
type Locker struct {
	store Store
}

func NewLocker(store Store) *Locker {
	if store == nil {
		return nil
	}
	return &Locker{store: store}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.store == nil {
		return "", false, errors.New("lock store not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, key, []byte(token), ttl)
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.store == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	_, err := l.store.CompareAndDelete(ctx, key, []byte(token))
	return err
}
