package events

import (
	"strings"
	"testing"
	"time"

	"github.com/silvachamo/agrosync/internal/syncmgr"
	"github.com/silvachamo/agrosync/pkg/models"
	"github.com/silvachamo/agrosync/pkg/protocol"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublishNotice(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	op := models.Operation{ID: "op-1", Table: "articles", Action: models.ActionUpdate}
	b.PublishNotice(syncmgr.Notice{
		Type:    syncmgr.NoticeFailed,
		Op:      &op,
		Pending: 3,
		Kind:    models.KindAuthorization,
		Message: "permission denied",
	})

	select {
	case received := <-ch:
		if received.Type != protocol.EventFailed {
			t.Errorf("expected type %s, got %s", protocol.EventFailed, received.Type)
		}
		if received.OpID != "op-1" || received.Table != "articles" || received.Action != models.ActionUpdate {
			t.Errorf("operation not carried: %+v", received)
		}
		if received.Kind != models.KindAuthorization || received.Pending != 3 {
			t.Errorf("unexpected event %+v", received)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.PublishConnectivity(false, 2)

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Online == nil || *received.Online {
				t.Errorf("subscriber %d: expected offline event, got %+v", i, received)
			}
			if received.Pending != 2 {
				t.Errorf("subscriber %d: pending %d", i, received.Pending)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: protocol.EventEnqueued})
	}

	// Should not block or panic
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestMarshalEvent(t *testing.T) {
	online := true
	data, err := MarshalEvent(Event{Type: protocol.EventConnectivity, Online: &online, Timestamp: 1234567890})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"online":true`) {
		t.Errorf("online flag missing: %s", data)
	}
}
