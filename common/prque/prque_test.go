package prque

import (
	"math/rand"
	"testing"
)

func TestPrque(t *testing.T) {
	size := 16 * blockSize
	prio := rand.Perm(size)
	data := make([]int, size)
	for i := 0; i < size; i++ {
		data[i] = rand.Int()
	}
	queue := New[int64, int](nil)

	for rep := 0; rep < 2; rep++ {
		for i := 0; i < size; i++ {
			queue.Push(data[i], int64(prio[i]))
			if queue.Size() != i+1 {
				t.Errorf("queue size mismatch: have %v, want %v.", queue.Size(), i+1)
			}
		}
		dict := make(map[int64]int)
		for i := 0; i < size; i++ {
			dict[int64(prio[i])] = data[i]
		}

		prevPrio := int64(size + 1)
		for !queue.Empty() {
			val, prio := queue.Pop()
			if prio > prevPrio {
				t.Errorf("invalid priority order: %v after %v.", prio, prevPrio)
			}
			prevPrio = prio
			if val != dict[prio] {
				t.Errorf("push/pop mismatch: have %v, want %v.", val, dict[prio])
			}
			delete(dict, prio)
		}
	}
}

func TestReset(t *testing.T) {
	size := 16 * blockSize
	prio := rand.Perm(size)
	data := make([]int, size)
	for i := 0; i < size; i++ {
		data[i] = rand.Int()
	}
	queue := New[int64, int](nil)
	for i := 0; i < size; i++ {
		queue.Push(data[i], int64(prio[i]))
	}
	queue.Reset()
	if !queue.Empty() {
		t.Errorf("clear failed: queue still has %d items", queue.Size())
	}
}

func TestRemove(t *testing.T) {
	size := 128
	index := make([]int, size)
	queue := New[int64, int](func(data int, i int) { index[data] = i })
	for i := 0; i < size; i++ {
		queue.Push(i, int64(i))
	}
	for i := 0; i < size; i += 2 {
		queue.Remove(index[i])
	}
	for !queue.Empty() {
		val := queue.PopItem()
		if val%2 == 0 {
			t.Errorf("removed item %d resurfaced", val)
		}
	}
}
