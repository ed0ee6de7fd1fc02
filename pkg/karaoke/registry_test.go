package karaoke

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mscontrol_samples/pkg/mscontrol"
)

func TestRegistryBasicOperations(t *testing.T) {
	r := NewRegistry()
	leg := &Leg{key: "k1"}

	require.True(t, r.SetIfAbsent("k1", leg))
	assert.False(t, r.SetIfAbsent("k1", &Leg{key: "k1"}), "занятый ключ не перезаписывается")

	got, ok := r.Get("k1")
	require.True(t, ok)
	assert.Same(t, leg, got)
	assert.Equal(t, 1, r.Count())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryDeleteComparesLeg(t *testing.T) {
	r := NewRegistry()
	old := &Leg{key: "k"}
	fresh := &Leg{key: "k"}

	require.True(t, r.SetIfAbsent("k", old))
	require.True(t, r.Delete("k", old))
	require.True(t, r.SetIfAbsent("k", fresh))

	// запоздавшее освобождение старой ноги не трогает новую
	assert.False(t, r.Delete("k", old))
	got, ok := r.Get("k")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	const workers = 16
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := mscontrol.Key(fmt.Sprintf("call-%d-%d", w, i))
				leg := &Leg{key: key}
				r.SetIfAbsent(key, leg)
				_, _ = r.Get(key)
				if i%2 == 0 {
					r.Delete(key, leg)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker/2, r.Count())

	seen := 0
	r.ForEach(func(key mscontrol.Key, leg *Leg) {
		assert.Equal(t, key, leg.key)
		seen++
	})
	assert.Equal(t, r.Count(), seen)

	total := 0
	for _, n := range r.ShardStats() {
		total += n
	}
	assert.Equal(t, seen, total)
}
