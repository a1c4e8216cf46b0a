package queue

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type waiter struct {
	id string
}

func TestFIFO(t *testing.T) {
	assert := assert.New(t)
	t.Run("Empty Queue", func(t *testing.T) {
		q := NewFIFO[*waiter](1)

		assert.True(q.IsEmpty())
		assert.Equal(0, q.Length())

		item, ok := q.Pop()
		assert.False(ok)
		assert.Nil(item)

		item, ok = q.Peek()
		assert.False(ok)
		assert.Nil(item)
	})

	t.Run("Push and Pop", func(t *testing.T) {
		q := NewFIFO[*waiter](1)

		item1 := &waiter{"w1"}
		q.Push(item1)
		assert.False(q.IsEmpty())
		assert.Equal(1, q.Length())

		item2 := &waiter{"w2"}
		q.Push(item2)
		assert.Equal(2, q.Length())

		popped1, ok := q.Pop()
		assert.True(ok)
		assert.Equal(item1, popped1)
		assert.Equal(1, q.Length())

		popped2, ok := q.Pop()
		assert.True(ok)
		assert.Equal(item2, popped2)
		assert.True(q.IsEmpty())

		popped3, ok := q.Pop()
		assert.False(ok)
		assert.Nil(popped3)
		assert.True(q.IsEmpty())
	})

	t.Run("Peek", func(t *testing.T) {
		q := NewFIFO[*waiter](1)

		item1 := &waiter{"w1"}
		item2 := &waiter{"w2"}
		q.Push(item1)

		head, ok := q.Peek()
		assert.True(ok)
		assert.Equal(item1, head)
		assert.Equal(1, q.Length()) // Length should not change after peek

		q.Push(item2)

		head, ok = q.Peek()
		assert.True(ok)
		assert.Equal(item1, head)
		assert.Equal(2, q.Length())

		q.Pop()
		head, ok = q.Peek()
		assert.True(ok)
		assert.Equal(item2, head)
		assert.Equal(1, q.Length())

		q.Pop()
		_, ok = q.Peek()
		assert.False(ok)
		assert.Equal(0, q.Length())
	})

	t.Run("Reset", func(t *testing.T) {
		q := NewFIFO[int](4)
		for i := 0; i < 4; i++ {
			q.Push(i)
		}
		q.Reset()
		assert.True(q.IsEmpty())
		_, ok := q.Pop()
		assert.False(ok)

		q.Push(42)
		head, ok := q.Pop()
		assert.True(ok)
		assert.Equal(42, head)
	})

	t.Run("FIFO Order", func(t *testing.T) {
		q := NewFIFO[string](8)
		for i := 0; i < 100; i++ {
			q.Push(strconv.Itoa(i))
		}
		for i := 0; i < 100; i++ {
			item, ok := q.Pop()
			assert.True(ok)
			assert.Equal(strconv.Itoa(i), item)
		}
		assert.True(q.IsEmpty())
	})

	t.Run("External Locking", func(t *testing.T) {
		var mu sync.Mutex
		q := NewFIFO[*waiter](1)

		var wg sync.WaitGroup
		for i := 0; i < 1000; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mu.Lock()
				q.Push(&waiter{strconv.Itoa(i)})
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		assert.Equal(1000, q.Length())

		wg.Add(1000)
		for i := 0; i < 1000; i++ {
			go func() {
				defer wg.Done()
				mu.Lock()
				q.Pop()
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.True(q.IsEmpty())
	})
}
