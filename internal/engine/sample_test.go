package engine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservoir(t *testing.T) {
	t.Run("ShortStreamKeepsEverything", func(t *testing.T) {
		r := NewReservoir[int](10, rand.New(rand.NewSource(1)))
		for i := 0; i < 5; i++ {
			r.Observe(i)
		}
		assert.Equal(t, []int{0, 1, 2, 3, 4}, r.Items())
		assert.Equal(t, 5, r.Seen())
	})

	t.Run("SampleSizeNeverExceedsK", func(t *testing.T) {
		r := NewReservoir[int](3, rand.New(rand.NewSource(2)))
		for i := 0; i < 1000; i++ {
			r.Observe(i)
		}
		assert.Len(t, r.Items(), 3)
		assert.Equal(t, 1000, r.Seen())
	})

	t.Run("NoDuplicates", func(t *testing.T) {
		r := NewReservoir[int](20, rand.New(rand.NewSource(3)))
		for i := 0; i < 100; i++ {
			r.Observe(i)
		}
		seen := make(map[int]bool)
		for _, v := range r.Items() {
			require.False(t, seen[v], "duplicate element %d in sample", v)
			seen[v] = true
		}
	})

	t.Run("ZeroK", func(t *testing.T) {
		r := NewReservoir[int](0, rand.New(rand.NewSource(4)))
		for i := 0; i < 10; i++ {
			r.Observe(i)
		}
		assert.Empty(t, r.Items())
	})

	// Every element should be selected with probability k/n. With k=2,
	// n=10 and 20000 trials the expected per-element frequency is 0.2
	// with a standard deviation well under 0.005, so a 0.02 tolerance
	// on a fixed seed is comfortably stable.
	t.Run("UniformSelectionFrequency", func(t *testing.T) {
		const (
			k      = 2
			n      = 10
			trials = 20000
		)
		rnd := rand.New(rand.NewSource(42))
		counts := make([]int, n)
		for trial := 0; trial < trials; trial++ {
			r := NewReservoir[int](k, rnd)
			for i := 0; i < n; i++ {
				r.Observe(i)
			}
			for _, v := range r.Items() {
				counts[v]++
			}
		}

		want := float64(k) / float64(n)
		for i, c := range counts {
			got := float64(c) / float64(trials)
			assert.InDelta(t, want, got, 0.02, "element %d selected with frequency %f", i, got)
		}
	})
}
