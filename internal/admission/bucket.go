package admission

import (
	"sync"
	"time"
)

// bucket is the per-key local token cache for this worker process. Tokens
// are claimed from the shared store in slices so the hot path normally
// decides admission without a store round trip. Each bucket is guarded by
// its own mutex and is never shared across worker processes.
type bucket struct {
	mu       sync.Mutex
	tokens   int
	lastSync time.Time
}

// buckets is the per-process registry of local buckets, keyed by rate key.
type buckets struct {
	mu sync.Mutex
	m  map[string]*bucket
}

func newBuckets() *buckets {
	return &buckets{m: make(map[string]*bucket)}
}

// get returns the bucket for key, creating it on first use.
func (r *buckets) get(key string) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[key]
	if !ok {
		b = &bucket{}
		r.m[key] = b
	}
	return b
}
