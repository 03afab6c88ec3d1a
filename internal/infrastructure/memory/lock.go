package memory

import (
	"context"
	"sync"
	"time"
)

// Lock is a process-local cycle lock for single-replica deployments and tests
type Lock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewLock creates an empty lock table
func NewLock() *Lock {
	return &Lock{held: make(map[string]time.Time), clock: time.Now}
}

// TryLock takes key until ttl elapses or the returned release is called
func (l *Lock) TryLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}
	l.held[key] = now.Add(ttl)

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, true, nil
}
