package jobs

import (
	"testing"

	"github.com/planweave/planweave/pkg/models"
)

func TestHubBroadcastFanout(t *testing.T) {
	h := newHub(4, nil, nil)

	a, cancelA := h.subscribe("job-1")
	b, cancelB := h.subscribe("job-1")
	other, cancelOther := h.subscribe("job-2")
	defer cancelA()
	defer cancelB()
	defer cancelOther()

	h.broadcast("job-1", StreamEvent{Type: EventTypeEvent, JobID: "job-1"})

	for name, ch := range map[string]chan StreamEvent{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.JobID != "job-1" {
				t.Fatalf("subscriber %s got %+v", name, ev)
			}
		default:
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("job-2 subscriber got cross-talk: %+v", ev)
	default:
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := newHub(2, nil, nil)
	ch, cancel := h.subscribe("job-1")
	defer cancel()

	for i := 0; i < 5; i++ {
		h.broadcast("job-1", StreamEvent{Type: EventTypeEvent, JobID: "job-1", Status: models.JobStatusRunning})
	}
	// Buffer holds 2; the other 3 were dropped, not blocked on.
	if got := len(ch); got != 2 {
		t.Fatalf("buffered events = %d, want 2", got)
	}
}

func TestHubCloseJobClosesSubscribers(t *testing.T) {
	h := newHub(2, nil, nil)
	ch, cancel := h.subscribe("job-1")

	h.closeJob("job-1")
	if _, open := <-ch; open {
		t.Fatal("channel still open after closeJob")
	}
	if h.subscriberCount("job-1") != 0 {
		t.Fatalf("subscriber count = %d", h.subscriberCount("job-1"))
	}
	// Cancel after closeJob must not panic or double-close.
	cancel()
	cancel()
}

func TestHubCancelRemovesSubscriber(t *testing.T) {
	h := newHub(2, nil, nil)
	_, cancel := h.subscribe("job-1")
	if h.subscriberCount("job-1") != 1 {
		t.Fatalf("subscriber count = %d, want 1", h.subscriberCount("job-1"))
	}
	cancel()
	if h.subscriberCount("job-1") != 0 {
		t.Fatalf("subscriber count after cancel = %d, want 0", h.subscriberCount("job-1"))
	}
	// Broadcast to a job with no subscribers is a no-op.
	h.broadcast("job-1", StreamEvent{Type: EventTypeEvent})
}
