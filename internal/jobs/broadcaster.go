package jobs

import (
	"encoding/json"
	"sync"

	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/pkg/models"
)

// Stream event types.
const (
	EventTypeSnapshot  = "snapshot"
	EventTypeEvent     = "event"
	EventTypeHeartbeat = "heartbeat"
)

// StreamEvent is the wire envelope pushed to job stream subscribers.
// Snapshot events carry the full job, heartbeat events a compact
// status body, and plain events one log entry and/or a status change.
type StreamEvent struct {
	Type   string              `json:"type"`
	JobID  string              `json:"job_id,omitempty"`
	Job    *models.Job         `json:"job,omitempty"`
	Status models.JobStatus    `json:"status,omitempty"`
	Event  *models.JobLogEvent `json:"event,omitempty"`
	Stats  map[string]any      `json:"stats,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// heartbeatEvent builds the periodic keepalive envelope.
func heartbeatEvent(job *models.Job) StreamEvent {
	hb := &models.Job{
		ID:     job.ID,
		Status: job.Status,
		Stats:  job.Stats,
	}
	return StreamEvent{Type: EventTypeHeartbeat, Job: hb}
}

// hub fans StreamEvents out to per-job subscriber channels. Slow
// subscribers lose events once their buffer fills; they are expected
// to reconnect with a cursor.
type hub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan StreamEvent]struct{}
	buffer  int
	logger  *observability.Logger
	metrics *observability.Metrics
}

func newHub(buffer int, logger *observability.Logger, metrics *observability.Metrics) *hub {
	if buffer < 1 {
		buffer = 64
	}
	return &hub{
		subs:    make(map[string]map[chan StreamEvent]struct{}),
		buffer:  buffer,
		logger:  logger,
		metrics: metrics,
	}
}

// subscribe registers a channel for a job's events. The returned
// cancel func is idempotent and safe to call after closeJob.
func (h *hub) subscribe(jobID string) (chan StreamEvent, func()) {
	ch := make(chan StreamEvent, h.buffer)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan StreamEvent]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SSESubscribers.Inc()
	}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subs[jobID]
		if !ok {
			return
		}
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subs, jobID)
		}
		if h.metrics != nil {
			h.metrics.SSESubscribers.Dec()
		}
	}
	return ch, cancel
}

// broadcast delivers an event to every subscriber of the job,
// dropping it for channels whose buffer is full.
func (h *hub) broadcast(jobID string, event StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[jobID] {
		select {
		case ch <- event:
		default:
			// Subscriber too slow; it catches up via cursor on reconnect.
		}
	}
}

// closeJob closes every subscriber channel for a terminal job.
func (h *hub) closeJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[jobID]
	if !ok {
		return
	}
	for ch := range subs {
		close(ch)
		if h.metrics != nil {
			h.metrics.SSESubscribers.Dec()
		}
	}
	delete(h.subs, jobID)
}

// subscriberCount reports the live subscriber total for a job.
func (h *hub) subscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
