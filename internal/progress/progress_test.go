package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(8)

	for i := 1; i <= 3; i++ {
		bus.Publish(Event{Kind: FramesSeen, Count: i})
	}
	bus.Close()

	var counts []int
	for e := range sub.Events() {
		counts = append(counts, e.Count)
	}
	assert.Equal(t, []int{1, 2, 3}, counts)
	assert.Zero(t, sub.Dropped())
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(2)

	for i := 1; i <= 5; i++ {
		bus.Publish(Event{Kind: FramesSeen, Count: i})
	}
	bus.Close()

	var counts []int
	for e := range sub.Events() {
		counts = append(counts, e.Count)
	}
	assert.Equal(t, []int{4, 5}, counts)
	assert.Equal(t, int64(3), sub.Dropped())
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	sub.Cancel()

	bus.Publish(Event{Kind: FramesSeen, Count: 1})
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// cancelling twice and closing afterwards are both no-ops
	sub.Cancel()
	bus.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	sub := bus.Subscribe(1)
	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: FramesSeen})
		bus.Close()
	})
}
