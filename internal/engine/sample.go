package engine

import "math/rand"

// Reservoir selects a uniform random subset of fixed size from a stream of
// unknown length (Algorithm R). After observing n items, every item has
// probability k/n of being in the sample, independent of n.
type Reservoir[T any] struct {
	k     int
	seen  int
	items []T
	rand  *rand.Rand
}

// NewReservoir creates a reservoir holding at most k items. rnd may be nil,
// in which case the shared default source is used; tests pass a seeded one.
func NewReservoir[T any](k int, rnd *rand.Rand) *Reservoir[T] {
	if k < 0 {
		k = 0
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec // sampling, not security-sensitive
	}
	return &Reservoir[T]{
		k:     k,
		items: make([]T, 0, k),
		rand:  rnd,
	}
}

// Observe feeds one item from the stream. The first k items fill the
// reservoir; the i-th item thereafter replaces a uniformly chosen slot
// with probability k/i.
func (r *Reservoir[T]) Observe(item T) {
	r.seen++
	if len(r.items) < r.k {
		r.items = append(r.items, item)
		return
	}
	if j := r.rand.Intn(r.seen); j < r.k {
		r.items[j] = item
	}
}

// Items returns the current sample, sized min(k, items observed).
func (r *Reservoir[T]) Items() []T {
	return r.items
}

// Seen returns how many items have been observed.
func (r *Reservoir[T]) Seen() int {
	return r.seen
}
