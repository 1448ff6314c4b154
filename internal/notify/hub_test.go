package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSubscriber is an in-process subscriber for exercising the hub without
// a real websocket connection.
type testSubscriber struct {
	ch chan []byte
}

func (s *testSubscriber) sendChannel() chan []byte { return s.ch }
func (s *testSubscriber) close()                   {}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	sub := &testSubscriber{ch: make(chan []byte, 8)}
	hub.register <- sub

	hub.Publish(KindEventCommitted, "study", map[string]string{"event_id": "ev-1"})

	select {
	case data := <-sub.ch:
		var n Notification
		require.NoError(t, json.Unmarshal(data, &n))
		assert.Equal(t, KindEventCommitted, n.Kind)
		assert.Equal(t, "study", n.Collection)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	slow := &testSubscriber{ch: make(chan []byte)} // unbuffered, never read
	fast := &testSubscriber{ch: make(chan []byte, 8)}
	hub.register <- slow
	hub.register <- fast

	hub.Publish(KindEntityUpdated, "study", nil)

	select {
	case <-fast.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	// The slow subscriber's channel was closed when delivery failed.
	select {
	case _, open := <-slow.ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
}

func TestConnUnregisterAfterStop(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Stop()

	// A pump winding down after shutdown must not block on the hub loop.
	c := &conn{hub: hub, send: make(chan []byte, 1)}
	done := make(chan struct{})
	go func() {
		c.unregister()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unregister blocked after hub stop")
	}
}
