package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	t.Parallel()
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(QueryRunning, map[string]string{"session_id": "s1"})

	select {
	case ev := <-ch:
		assert.Equal(t, QueryRunning, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		assert.Equal(t, "s1", payload["session_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNilPayloadIsEmptyObject(t *testing.T) {
	t.Parallel()
	h := NewHub(2)
	h.Publish(JanitorTick, nil)
	evs := h.Since(0)
	require.Len(t, evs, 1)
	assert.JSONEq(t, `{}`, string(evs[0].Data))
}

func TestRingKeepsNewest(t *testing.T) {
	t.Parallel()
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(QueryPending, i)
	}

	evs := h.Since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{evs[0].ID, evs[1].ID, evs[2].ID})

	evs = h.Since(4)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(5), evs[0].ID)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)

	h.Publish(QueryCompleted, nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(QueryPending, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
