package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	b.Publish(&Event{Type: EventSiteCreated, Site: "office", Message: "site created"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventSiteCreated, ev.Type)
		assert.Equal(t, "office", ev.Site)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp filled on publish")
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never read from this subscriber; its buffer fills and further
	// events are dropped for it without stalling the broker.
	slow := b.Subscribe()
	_ = slow

	fast := b.Subscribe()
	for i := 0; i < 40; i++ {
		b.Publish(&Event{Type: EventJobStarted, Site: "office"})
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 40 {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("only %d of 40 events delivered", received)
		}
	}
}
