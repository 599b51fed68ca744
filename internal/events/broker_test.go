package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow/pkg/models"
)

func collect(t *testing.T, sub *Subscriber, n int) []models.Event {
	t.Helper()
	out := make([]models.Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscriber closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBrokerSequencesPerSession(t *testing.T) {
	b := NewBroker(8, zerolog.Nop())
	b.Open("s1")
	b.Open("s2")

	sub := b.Subscribe("s1")
	defer b.Unsubscribe(sub)

	other := b.Subscribe("s2")
	defer b.Unsubscribe(other)

	for i := 0; i < 3; i++ {
		b.Publish("s1", models.EventStatus, models.StatusPayload{Cursor: i})
	}
	// Traffic on another session must not advance s1's counter.
	b.Publish("s2", models.EventLog, models.LogPayload{Message: "noise"})

	got := collect(t, sub, 3)
	for i, ev := range got {
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	noise := collect(t, other, 1)
	assert.Equal(t, uint64(1), noise[0].Seq)
}

func TestBrokerDropsOldestScreenshotFirst(t *testing.T) {
	b := NewBroker(4, zerolog.Nop())
	b.Open("s1")
	sub := b.Subscribe("s1")
	defer b.Unsubscribe(sub)

	// Nothing reads sub.C() yet, so events pile up in the queue. One
	// slot drains into the pump's pending send; fill well past the cap.
	b.Publish("s1", models.EventScreenshot, models.ScreenshotPayload{Data: "shot-0"})
	for i := 1; i <= 4; i++ {
		b.Publish("s1", models.EventStatus, models.StatusPayload{Cursor: i})
	}
	b.Publish("s1", models.EventStatus, models.StatusPayload{Cursor: 5})

	deadline := time.After(2 * time.Second)
	var got []models.Event
loop:
	for {
		select {
		case ev := <-sub.C():
			got = append(got, ev)
			if len(got) >= 6 {
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	var screenshots, statuses, notes int
	for _, ev := range got {
		switch ev.Kind {
		case models.EventScreenshot:
			screenshots++
		case models.EventStatus:
			statuses++
		case models.EventLog:
			notes++
		}
	}

	// Every status survives; the screenshot is the only candidate for
	// shedding and the drop is reported at most once.
	assert.Equal(t, 5, statuses)
	assert.LessOrEqual(t, notes, 1)
	if screenshots == 0 {
		assert.Equal(t, 1, notes, "a shed screenshot must be reported")
	}
}

func TestBrokerStatusNeverDropped(t *testing.T) {
	b := NewBroker(2, zerolog.Nop())
	b.Open("s1")
	sub := b.Subscribe("s1")
	defer b.Unsubscribe(sub)

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish("s1", models.EventStatus, models.StatusPayload{Cursor: i})
	}

	got := collect(t, sub, n)
	cursors := make([]int, 0, n)
	for _, ev := range got {
		payload, ok := ev.Payload.(models.StatusPayload)
		require.True(t, ok, fmt.Sprintf("unexpected payload %T", ev.Payload))
		cursors = append(cursors, payload.Cursor)
	}
	for i, c := range cursors {
		assert.Equal(t, i, c)
	}
}

func TestBrokerSubscribeAfterPublishSeesNoHistory(t *testing.T) {
	b := NewBroker(8, zerolog.Nop())
	b.Open("s1")

	b.Publish("s1", models.EventStatus, models.StatusPayload{Cursor: 1})

	sub := b.Subscribe("s1")
	defer b.Unsubscribe(sub)

	b.Publish("s1", models.EventStatus, models.StatusPayload{Cursor: 2})

	got := collect(t, sub, 1)
	payload := got[0].Payload.(models.StatusPayload)
	assert.Equal(t, 2, payload.Cursor)
	// The counter still accounts for the missed event.
	assert.Equal(t, uint64(2), got[0].Seq)
}

func TestBrokerDropSessionClosesSubscribers(t *testing.T) {
	b := NewBroker(8, zerolog.Nop())
	b.Open("s1")
	sub := b.Subscribe("s1")

	b.DropSession("s1")

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed after session drop")
	}

	// Publishing to an evicted session is a no-op, not a panic.
	b.Publish("s1", models.EventLog, models.LogPayload{Message: "late"})
}

func TestBrokerEvictedFeedStaysForgotten(t *testing.T) {
	b := NewBroker(8, zerolog.Nop())
	b.Open("s1")
	sub := b.Subscribe("s1")

	b.DropSession("s1")

	// The common teardown order: the consumer's deferred Unsubscribe runs
	// after eviction. It must not resurrect the feed entry.
	b.Unsubscribe(sub)
	b.Publish("s1", models.EventLog, models.LogPayload{Message: "late"})

	b.mu.Lock()
	feeds := len(b.feeds)
	b.mu.Unlock()
	assert.Equal(t, 0, feeds)

	// A late subscriber gets a closed stream, not a feed that nothing
	// will ever publish to.
	late := b.Subscribe("s1")
	select {
	case _, ok := <-late.C():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber channel not closed")
	}
	b.Unsubscribe(late)
}
