package utils

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMapBasics(t *testing.T) {
	var m SMap[int]
	m.Store("a", 1)
	m.Store("b", 2)

	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Load("c")
	assert.False(t, ok)

	assert.Equal(t, 2, m.Len())

	v, loaded := m.LoadAndDelete("b")
	assert.True(t, loaded)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, m.Len())
}

func TestSMapSnapshot(t *testing.T) {
	var m SMap[string]
	for i := 0; i < 1000; i++ {
		m.Store(fmt.Sprintf("key%d", i), "v")
	}
	snap := m.Snapshot()
	assert.Len(t, snap, 1000)

	m.Delete("key0")
	assert.Len(t, snap, 1000, "snapshot must not see later deletes")
}

func TestSMapConcurrent(t *testing.T) {
	var m SMap[int]
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				m.Store(key, i)
				got, ok := m.Load(key)
				assert.True(t, ok)
				assert.Equal(t, i, got)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 8000, m.Len())
}
