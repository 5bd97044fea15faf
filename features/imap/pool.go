package imap

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrencyPerUser bounds concurrent IMAP sessions per account
// when no explicit limit is configured. IMAP servers rate-limit per account.
const DefaultMaxConcurrencyPerUser = 2

type (
	// Pool bounds concurrent IMAP sessions per user. Semaphores are created
	// lazily on first acquire and live for the life of the pool.
	Pool struct {
		limit int64
		mu    sync.Mutex
		sems  map[string]*semaphore.Weighted
	}
)

// NewPool builds a pool with the given per-user session limit.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultMaxConcurrencyPerUser
	}
	return &Pool{limit: int64(limit), sems: make(map[string]*semaphore.Weighted)}
}

// Acquire blocks until a session slot for the user is available or the
// context is done. The returned release function must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, userID string) (func(), error) {
	sem := p.sem(userID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

func (p *Pool) sem(userID string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sems[userID]
	if !ok {
		sem = semaphore.NewWeighted(p.limit)
		p.sems[userID] = sem
	}
	return sem
}

var (
	sharedPoolOnce sync.Once
	sharedPool     *Pool
)

// SharedPool returns the process-wide pool, creating it with the given limit
// on first use. Later calls ignore the limit argument.
func SharedPool(limit int) *Pool {
	sharedPoolOnce.Do(func() {
		sharedPool = NewPool(limit)
	})
	return sharedPool
}
