package crawler

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// BatchFunc fetches values for many keys in a single remote call.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// BatchProcessor memoizes a bulk remote call. Callers Enqueue the keys they
// need and PerformQueuedCalls resolves the whole queue with one call.
// It is not safe for concurrent use.
type BatchProcessor[K comparable, V any] struct {
	fetch  BatchFunc[K, V]
	cache  map[K]V
	queue  []K
	queued mapset.Set[K]
	calls  int
}

func NewBatchProcessor[K comparable, V any](fetch BatchFunc[K, V]) *BatchProcessor[K, V] {
	return &BatchProcessor[K, V]{
		fetch:  fetch,
		cache:  make(map[K]V),
		queued: mapset.NewThreadUnsafeSet[K](),
	}
}

// Get returns the cached value for key.
func (b *BatchProcessor[K, V]) Get(key K) (V, bool) {
	v, ok := b.cache[key]
	return v, ok
}

// Enqueue schedules key for the next bulk call unless it is cached or already queued.
func (b *BatchProcessor[K, V]) Enqueue(key K) {
	if _, ok := b.cache[key]; ok {
		return
	}
	if b.queued.Contains(key) {
		return
	}
	b.queued.Add(key)
	b.queue = append(b.queue, key)
}

// Pending returns the number of queued keys.
func (b *BatchProcessor[K, V]) Pending() int {
	return len(b.queue)
}

// Calls returns the number of bulk calls issued so far.
func (b *BatchProcessor[K, V]) Calls() int {
	return b.calls
}

// PerformQueuedCalls issues exactly one bulk call for the whole queue, caches
// the results and clears the queue. Keys the response did not cover are
// returned as missing. If the call fails every queued key is missing.
func (b *BatchProcessor[K, V]) PerformQueuedCalls(ctx context.Context) ([]K, error) {
	if len(b.queue) == 0 {
		return nil, nil
	}

	keys := b.queue
	b.queue = nil
	b.queued.Clear()
	b.calls++

	values, err := b.fetch(ctx, keys)
	if err != nil {
		return keys, err
	}

	var missing []K
	for _, key := range keys {
		v, ok := values[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		b.cache[key] = v
	}
	return missing, nil
}
