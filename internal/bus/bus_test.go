package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/model"
)

func event(runID string, n int) model.Event {
	return model.Event{
		Type:      model.EventSignalBatch,
		RunID:     runID,
		AdapterID: fmt.Sprintf("adapter-%d", n),
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New()

	a := b.Subscribe("run-1")
	c := b.Subscribe("run-1")
	other := b.Subscribe("run-2")
	defer a.Cancel()
	defer c.Cancel()
	defer other.Cancel()

	b.Publish("run-1", event("run-1", 0))

	assert.Len(t, a.C(), 1)
	assert.Len(t, c.C(), 1)
	assert.Empty(t, other.C())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(WithBuffer(2))
	sub := b.Subscribe("run-1")
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		b.Publish("run-1", event("run-1", i))
	}

	assert.Equal(t, int64(3), sub.Gaps())
	assert.Equal(t, int64(3), b.Dropped())

	// What survives is the newest window, not the oldest.
	got := <-sub.C()
	assert.Equal(t, "adapter-3", got.AdapterID)
	got = <-sub.C()
	assert.Equal(t, "adapter-4", got.AdapterID)
}

func TestCancelDrainsBufferedEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")

	b.Publish("run-1", event("run-1", 0))
	b.Publish("run-1", event("run-1", 1))
	sub.Cancel()

	// Buffered events remain readable after cancellation, then the channel
	// reports closed.
	var seen int
	for range sub.C() {
		seen++
	}
	assert.Equal(t, 2, seen)
}

func TestPublishAfterCancelIsNoOp(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	sub.Cancel()

	b.Publish("run-1", event("run-1", 0))
	assert.Zero(t, sub.Gaps())
	assert.Zero(t, b.Dropped())
}

func TestCancelIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	sub.Cancel()
	sub.Cancel() // must not panic on double close
}

func TestCloseShutsAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe("run-1")
	c := b.Subscribe("run-2")

	b.Close()

	_, open := <-a.C()
	assert.False(t, open)
	_, open = <-c.C()
	assert.False(t, open)

	// Subscribing after close yields an already-closed subscription.
	late := b.Subscribe("run-3")
	_, open = <-late.C()
	assert.False(t, open)

	b.Close() // idempotent
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	b := New(WithBuffer(4))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := b.Subscribe("run-1")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range sub.C() {
			}
		}()
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	for i := 0; i < 100; i++ {
		b.Publish("run-1", event("run-1", i))
	}
	wg.Wait()
}

func TestGapsCountPerSubscriber(t *testing.T) {
	b := New(WithBuffer(1))
	slow := b.Subscribe("run-1")
	fast := b.Subscribe("run-1")
	defer slow.Cancel()
	defer fast.Cancel()

	b.Publish("run-1", event("run-1", 0))
	// Keep fast drained so only slow falls behind.
	<-fast.C()
	b.Publish("run-1", event("run-1", 1))

	assert.Equal(t, int64(1), slow.Gaps())
	assert.Zero(t, fast.Gaps())

	require.Equal(t, int64(1), b.Dropped())
}
