package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/pkg/models"
)

// waitJob polls the job detail endpoint until the job reaches a
// terminal status and returns its wire form.
func (h *serverHarness) waitJob(t *testing.T, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec := h.do(t, http.MethodGet, "/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("job detail = %d body %s", rec.Code, rec.Body.String())
		}
		body := decodeMap(t, rec)
		job, _ := body["job"].(map[string]any)
		status, _ := job["status"].(string)
		if models.JobStatus(status).Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", jobID)
	return nil
}

func TestJobDetailEndpoint(t *testing.T) {
	mock := llm.NewMock()
	h := newTestServer(t, mock)
	p, research, _ := seedPlan(t, h, "Job detail plan")
	mock.Enqueue(llm.MockReply{Text: decomposeReply(research.ID, "Only child")})

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/decompose", research.ID), map[string]any{
		"plan_id":   p.ID,
		"max_depth": 1,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("decompose = %d body %s", rec.Code, rec.Body.String())
	}
	jobID := decodeMap(t, rec)["job_id"].(string)
	h.waitJob(t, jobID)

	rec = h.do(t, http.MethodGet, "/jobs/"+jobID, nil)
	body := decodeMap(t, rec)
	logs, _ := body["logs"].([]any)
	if len(logs) == 0 {
		t.Fatal("no logs recorded")
	}
	cursor := body["cursor"].(float64)
	if cursor <= 0 {
		t.Fatalf("cursor = %v", cursor)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/jobs/%s?cursor=%d", jobID, int64(cursor)), nil)
	after := decodeMap(t, rec)
	if got, _ := after["logs"].([]any); len(got) != 0 {
		t.Fatalf("logs after cursor = %d", len(got))
	}
}

func TestJobDetailUnknown(t *testing.T) {
	h := newTestServer(t, llm.NewMock())
	rec := h.do(t, http.MethodGet, "/jobs/no-such-job", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestJobStreamEndpoint(t *testing.T) {
	mock := llm.NewMock()
	h := newTestServer(t, mock)
	p, research, _ := seedPlan(t, h, "Stream plan")
	mock.Enqueue(llm.MockReply{Text: decomposeReply(research.ID, "Streamed child")})

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/decompose", research.ID), map[string]any{
		"plan_id":   p.ID,
		"max_depth": 1,
	})
	jobID := decodeMap(t, rec)["job_id"].(string)
	h.waitJob(t, jobID)

	// The job is terminal, so the stream closes after the snapshot and
	// log replay and the recorder sees the whole transcript.
	rec = h.do(t, http.MethodGet, "/jobs/"+jobID+"/stream", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []jobs.StreamEvent
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev jobs.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("parse event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events streamed")
	}
	if events[0].Type != jobs.EventTypeSnapshot {
		t.Fatalf("first event = %q", events[0].Type)
	}
	if events[0].Job == nil || events[0].Job.Status != models.JobStatusSucceeded {
		t.Fatalf("snapshot job = %+v", events[0].Job)
	}
	for _, ev := range events[1:] {
		if ev.Type != jobs.EventTypeEvent {
			t.Fatalf("replayed event type = %q", ev.Type)
		}
	}
}
