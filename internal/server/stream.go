package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	subscriberBuffer = 16
	pingInterval     = 30 * time.Second
)

// ProgressEvent is the server-sent event of a job.
type ProgressEvent struct {
	JobID          string    `json:"jobId"`
	State          JobState  `json:"state"`
	Rounds         int       `json:"rounds"`
	Evaluations    int       `json:"evaluations"`
	BestFitness    float64   `json:"bestFitness"`
	EvalsPerSecond float64   `json:"evalsPerSecond"`
	Timestamp      time.Time `json:"timestamp"`
}

func progressEvent(job *Job) ProgressEvent {
	return ProgressEvent{
		JobID:          job.ID,
		State:          job.State,
		Rounds:         job.Rounds,
		Evaluations:    job.Evaluations,
		BestFitness:    job.BestFitness,
		EvalsPerSecond: evalsPerSecond(job),
		Timestamp:      time.Now(),
	}
}

func evalsPerSecond(job *Job) float64 {
	if s := job.Elapsed().Seconds(); s > 0 {
		return float64(job.Evaluations) / s
	}
	return 0
}

// topic holds the subscribers of one job and its latest event.
type topic struct {
	subs map[chan ProgressEvent]struct{}
	last *ProgressEvent
}

// EventBroadcaster fans job events out to stream subscribers. Subscribers
// that fall behind lose events; the run never blocks on them.
type EventBroadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{topics: make(map[string]*topic)}
}

func (eb *EventBroadcaster) topic(jobID string) *topic {
	t, ok := eb.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[chan ProgressEvent]struct{})}
		eb.topics[jobID] = t
	}
	return t
}

// Subscribe registers a subscriber for jobID. The latest event, if any, is
// delivered first. The returned func unsubscribes and closes the channel;
// calling it more than once is safe.
func (eb *EventBroadcaster) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	eb.mu.Lock()
	t := eb.topic(jobID)
	t.subs[ch] = struct{}{}
	if t.last != nil {
		ch <- *t.last
	}
	n := len(t.subs)
	eb.mu.Unlock()

	slog.Debug("Stream subscribed", "job_id", jobID, "subscribers", n)

	var once sync.Once
	return ch, func() {
		once.Do(func() { eb.unsubscribe(jobID, ch) })
	}
}

func (eb *EventBroadcaster) unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	t, ok := eb.topics[jobID]
	if !ok {
		return
	}
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	if len(t.subs) == 0 && t.last == nil {
		delete(eb.topics, jobID)
	}
}

// Broadcast records event as the job's latest and offers it to every
// subscriber.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	t := eb.topic(event.JobID)
	t.last = &event

	dropped := 0
	for ch := range t.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Warn("Dropped progress event for slow subscribers", "job_id", event.JobID, "subscribers", dropped)
	}
}

// handleJobStream streams job progress as server-sent events until the job
// finishes or the client goes away.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		writeError(w, http.StatusNotFound, "job not found: %s", jobID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	events, cancel := s.jobManager.broadcaster.Subscribe(jobID)
	defer cancel()

	send := func(event ProgressEvent) bool {
		data, err := json.Marshal(event)
		if err == nil {
			_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		}
		if err != nil {
			slog.Debug("Stream write failed", "job_id", jobID, "error", err)
			return false
		}
		flusher.Flush()
		return !event.State.Finished()
	}

	if !send(progressEvent(job)) {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok || !send(event) {
				return
			}
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
