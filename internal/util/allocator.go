// Package util holds small bookkeeping primitives shared by the client.
package util

import "sync"

// IDAllocator hands out integer ids from [min, max], always choosing the
// lowest free one. An id returns to the pool only when explicitly released,
// which lets channel ids be reused only after their close handshake finished.
type IDAllocator struct {
	mu   sync.Mutex
	min  int
	max  int
	used map[int]struct{}
}

// NewIDAllocator creates an allocator over the inclusive range [min, max].
func NewIDAllocator(min, max int) *IDAllocator {
	return &IDAllocator{
		min:  min,
		max:  max,
		used: make(map[int]struct{}),
	}
}

// Allocate reserves and returns the lowest free id, or false when the range
// is exhausted.
func (a *IDAllocator) Allocate() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id := a.min; id <= a.max; id++ {
		if _, taken := a.used[id]; !taken {
			a.used[id] = struct{}{}
			return id, true
		}
	}
	return 0, false
}

// Release returns an id to the pool. It reports false for ids outside the
// range or not currently allocated.
func (a *IDAllocator) Release(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.min || id > a.max {
		return false
	}
	if _, taken := a.used[id]; !taken {
		return false
	}
	delete(a.used, id)
	return true
}

// Reserve claims a specific id, reporting false when it is already taken.
func (a *IDAllocator) Reserve(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.min || id > a.max {
		return false
	}
	if _, taken := a.used[id]; taken {
		return false
	}
	a.used[id] = struct{}{}
	return true
}

// Allocated reports the number of ids currently in use.
func (a *IDAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
