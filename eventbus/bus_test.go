package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitInRegistrationOrder(t *testing.T) {
	bus := New[int]()

	var got []string
	bus.On("progress", func(v int) bool {
		got = append(got, "first")
		return false
	})
	bus.On("progress", func(v int) bool {
		got = append(got, "second")
		return false
	})
	bus.On("error", func(v int) bool {
		got = append(got, "error")
		return false
	})

	require.True(t, bus.Emit("progress", 1))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBus_StopPropagation(t *testing.T) {
	bus := New[string]()

	calls := 0
	bus.On("success", func(string) bool {
		calls++
		return true
	})
	bus.On("success", func(string) bool {
		calls++
		return false
	})

	assert.False(t, bus.Emit("success", "ok"))
	assert.Equal(t, 1, calls)
}

func TestBus_Off(t *testing.T) {
	bus := New[int]()

	calls := 0
	id := bus.On("progress", func(int) bool {
		calls++
		return false
	})
	other := bus.On("progress", func(int) bool {
		calls += 10
		return false
	})

	bus.Off(id)
	bus.Emit("progress", 0)
	assert.Equal(t, 10, calls)
	assert.Equal(t, 1, bus.Len("progress"))

	bus.Off(other)
	bus.Off(other)
	assert.Equal(t, 0, bus.Len("progress"))
}

func TestBus_Once(t *testing.T) {
	bus := New[int]()

	var values []int
	bus.Once("progress", func(v int) bool {
		values = append(values, v)
		return false
	})

	bus.Emit("progress", 1)
	bus.Emit("progress", 2)

	assert.Equal(t, []int{1}, values)
	assert.Equal(t, 0, bus.Len("progress"))
}

func TestBus_OffEventAndClear(t *testing.T) {
	bus := New[int]()
	bus.On("a", func(int) bool { return false })
	bus.On("a", func(int) bool { return false })
	bus.On("b", func(int) bool { return false })

	bus.OffEvent("a")
	assert.Equal(t, 0, bus.Len("a"))
	assert.Equal(t, 1, bus.Len("b"))

	bus.Clear()
	assert.Equal(t, 0, bus.Len("b"))
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	bus := New[int]()

	var id ListenerID
	calls := 0
	id = bus.On("tick", func(int) bool {
		calls++
		bus.Off(id)
		return false
	})

	bus.Emit("tick", 0)
	bus.Emit("tick", 0)
	assert.Equal(t, 1, calls)
}

func TestBus_NilEmit(t *testing.T) {
	var bus *Bus[int]
	assert.True(t, bus.Emit("anything", 1))
}

func TestBus_ConcurrentUse(t *testing.T) {
	bus := New[int]()

	var mu sync.Mutex
	sum := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.On("add", func(v int) bool {
				mu.Lock()
				sum += v
				mu.Unlock()
				return false
			})
			bus.Emit("add", 1)
			bus.Off(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.Len("add"))
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, sum, 20)
}
