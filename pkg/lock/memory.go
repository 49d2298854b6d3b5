package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a single-process Locker. Lease expiry still applies
// so an abandoned lock does not wedge the partition forever.
type MemoryLocker struct {
	mtx    sync.Mutex
	leases map[string]memoryLease
	seq    int64
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease)}
}

func (l *MemoryLocker) Acquire(_ context.Context, name string, lease time.Duration) (Handle, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if cur, ok := l.leases[name]; ok && time.Now().Before(cur.expiresAt) {
		return nil, ErrNotAcquired
	}

	l.seq++
	token := fmt.Sprintf("%s/%d", name, l.seq)
	l.leases[name] = memoryLease{token: token, expiresAt: time.Now().Add(lease)}

	return &memoryHandle{locker: l, name: name, token: token}, nil
}

type memoryHandle struct {
	locker *MemoryLocker
	name   string
	token  string
}

func (h *memoryHandle) Release(_ context.Context) error {
	h.locker.mtx.Lock()
	defer h.locker.mtx.Unlock()

	// only release our own lease; a takeover after expiry must survive
	if cur, ok := h.locker.leases[h.name]; ok && cur.token == h.token {
		delete(h.locker.leases, h.name)
	}
	return nil
}
