package delivery

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent outbound requests per tenant, and optionally in
// total. Each tenant has its own semaphore so a large fan-out from one
// tenant cannot take every slot.
type Limiter struct {
	perTenant int64
	global    *semaphore.Weighted

	mu      sync.Mutex
	tenants map[string]*semaphore.Weighted
}

// NewLimiter allows perTenant concurrent sends per tenant and global in
// total. Zero or negative values mean unlimited.
func NewLimiter(perTenant, global int) *Limiter {
	l := &Limiter{
		perTenant: int64(perTenant),
		tenants:   make(map[string]*semaphore.Weighted),
	}
	if global > 0 {
		l.global = semaphore.NewWeighted(int64(global))
	}
	return l
}

// Acquire blocks until tenantID may start a send or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, tenantID string) error {
	if sem := l.tenant(tenantID); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	if l.global != nil {
		if err := l.global.Acquire(ctx, 1); err != nil {
			if sem := l.tenant(tenantID); sem != nil {
				sem.Release(1)
			}
			return err
		}
	}
	return nil
}

// Release returns the slot taken by Acquire.
func (l *Limiter) Release(tenantID string) {
	if l.global != nil {
		l.global.Release(1)
	}
	if sem := l.tenant(tenantID); sem != nil {
		sem.Release(1)
	}
}

// TryAcquire is Acquire without blocking.
func (l *Limiter) TryAcquire(tenantID string) bool {
	sem := l.tenant(tenantID)
	if sem != nil && !sem.TryAcquire(1) {
		return false
	}
	if l.global != nil && !l.global.TryAcquire(1) {
		if sem != nil {
			sem.Release(1)
		}
		return false
	}
	return true
}

func (l *Limiter) tenant(tenantID string) *semaphore.Weighted {
	if l.perTenant <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.tenants[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(l.perTenant)
		l.tenants[tenantID] = sem
	}
	return sem
}
