package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64Heap_Pop(t *testing.T) {
	h := Heap[uint64]{}
	for i := uint64(0); i < 64; i++ {
		h.Push(i ^ 17)
	}
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, i, h.Pop())
	}
}

func TestFuncHeap_Pop(t *testing.T) {
	h := FuncHeap[int]{Less: func(a, b int) bool { return a > b }}
	for i := 0; i < 64; i++ {
		h.Push(i ^ 21)
	}
	prev := h.Pop()
	for h.Len() > 0 {
		next := h.Pop()
		assert.GreaterOrEqual(t, prev, next)
		prev = next
	}
}
