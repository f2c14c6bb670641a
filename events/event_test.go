package events

import (
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvent(t *testing.T) {
	var ev Event[int]
	var first, second []int
	cancelFirst := ev.Subscribe(func(v int) { first = append(first, v) })
	ev.Subscribe(func(v int) { second = append(second, v) })

	ev.Emit(1)
	cancelFirst()
	cancelFirst()
	ev.Emit(2)
	require.Equal(t, []int{1}, first)
	require.Equal(t, []int{1, 2}, second)

	ev.Close()
	ev.Emit(3)
	require.Equal(t, []int{1, 2}, second)

	ev.Subscribe(func(v int) { first = append(first, v) })
	ev.Emit(4)
	require.Equal(t, []int{1}, first)
}

func drain[T any](tb testing.TB, ch <-chan T) []T {
	tb.Helper()
	var values []T
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return values
			}
			values = append(values, v)
		case <-timeout:
			require.FailNow(tb, "channel wasn't closed")
		}
	}
}

func TestBusOrder(t *testing.T) {
	bus := NewBus[int]()
	first, cancelFirst := bus.Subscribe(16)
	second, _ := bus.Subscribe(16)
	for i := 0; i < 10; i++ {
		bus.Emit(i)
	}
	require.Equal(t, 0, <-first)
	cancelFirst()
	cancelFirst()
	bus.Close()
	bus.Close()

	require.True(t, slices.IsSorted(drain(t, first)))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, drain(t, second))

	late, cancel := bus.Subscribe(1)
	defer cancel()
	bus.Emit(10)
	require.Empty(t, drain(t, late))
}

func TestBusSlowSubscriber(t *testing.T) {
	bus := NewBus[string]()
	defer bus.Close()
	ch, cancel := bus.Subscribe(1)
	// emitting never waits for the subscriber
	for i := 0; i < 100; i++ {
		bus.Emit(strconv.Itoa(i))
	}
	require.Equal(t, "0", <-ch)
	cancel()
	values := drain(t, ch)
	require.LessOrEqual(t, len(values), 3)
}
