package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/envopt/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(":0", t.TempDir())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s
}

func postProblem(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_CreateJob(t *testing.T) {
	s := newTestServer(t)

	w := postProblem(t, s.Handler(), corridorProblem)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	// State should be pending or running (since worker starts immediately)
	if job.State != StatePending && job.State != StateRunning {
		t.Errorf("Expected pending or running state, got %s", job.State)
	}

	finished := waitForJob(t, s.jobManager, job.ID)
	if finished.State != StateCompleted {
		t.Errorf("Expected completed, got %s (%s)", finished.State, finished.Error)
	}
}

func TestServer_CreateJob_JSON(t *testing.T) {
	s := newTestServer(t)

	problem := `{
		"mode": "degree",
		"layout": {
			"nodes": [{"id": 0, "pos": [3, 0, 1]}, {"id": 1, "pos": [3, 0, 4]}],
			"edges": [[0, 1]],
			"query_regions": [{"min": [0, 0, 0], "max": [6, 0, 5]}]
		},
		"parameters": [{"rule": "translate", "axis": "x", "nodes": [0, 1], "lower": -1, "upper": 1}],
		"optimization": {"max_rounds": 1, "pop_size": 4}
	}`
	w := postProblem(t, s.Handler(), problem)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var job Job
	json.NewDecoder(w.Body).Decode(&job)
	if job.Config.Mode != "degree" {
		t.Errorf("Expected mode degree, got %s", job.Config.Mode)
	}
	waitForJob(t, s.jobManager, job.ID)
}

func TestServer_CreateJob_Invalid(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", "parameters: {", "decode"},
		{"no parameters", "layout: {nodes: [{id: 0, pos: [0, 0, 0]}]}", "parameters"},
		{"bad bounds", strings.Replace(corridorProblem, "upper: 2.5", "upper: -3", 1), "parameters[0].upper"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postProblem(t, s.Handler(), tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", w.Code)
			}
			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode error: %v", err)
			}
			if !strings.Contains(resp["error"], tt.want) {
				t.Errorf("Error %q should mention %q", resp["error"], tt.want)
			}
		})
	}

	if jobs := s.jobManager.ListJobs(); len(jobs) != 0 {
		t.Errorf("Rejected problems should not create jobs, got %d", len(jobs))
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := newTestServer(t)
	createTestJob(t, s.jobManager)
	createTestJob(t, s.jobManager)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := newTestServer(t)
	job := createTestJob(t, s.jobManager)

	for _, path := range []string{"/api/v1/jobs/%s", "/api/v1/jobs/%s/status"} {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf(path, job.ID), nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, w.Code)
		}

		var response map[string]any
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if response["id"] != job.ID {
			t.Error("Response should contain job ID")
		}
		if response["state"] != string(StatePending) {
			t.Errorf("Expected pending state, got %v", response["state"])
		}
		if _, ok := response["evalsPerSecond"]; !ok {
			t.Error("Response should contain throughput")
		}
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	s := newTestServer(t)

	for _, sub := range []string{"status", "stream", "trace", "best.svg"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/"+sub, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", sub, w.Code)
		}
	}
}

func TestServer_Routing(t *testing.T) {
	s := newTestServer(t)
	job := createTestJob(t, s.jobManager)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodDelete, "/api/v1/jobs", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/jobs/" + job.ID + "/cancel", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/jobs/" + job.ID + "/status", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/jobs/" + job.ID + "/diff.png", http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs/", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/checkpoints", http.StatusMethodNotAllowed},
		{http.MethodOptions, "/api/v1/jobs", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s %s: missing CORS header", tt.method, tt.path)
		}
	}
}

func TestServer_CancelJob(t *testing.T) {
	s := newTestServer(t)
	job := createTestJob(t, s.jobManager)

	cancel := func(id string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w.Code
	}

	if code := cancel("nonexistent"); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
	if code := cancel(job.ID); code != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", code)
	}

	runJob(t.Context(), s.jobManager, job.ID)
	if code := cancel(job.ID); code != http.StatusConflict {
		t.Errorf("Expected 409 for a finished job, got %d", code)
	}
}

func TestServer_Integration(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/yaml", strings.NewReader(corridorProblem))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	var job Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}

	finished := waitForJob(t, s.jobManager, job.ID)
	if finished.State != StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", finished.State, finished.Error)
	}

	// Best layout
	resp, err = http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/best.svg")
	if err != nil {
		t.Fatalf("Failed to get layout: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Expected image/svg+xml, got %s", ct)
	}
	if !strings.Contains(string(body), "<svg") {
		t.Error("Layout should be an SVG document")
	}

	// Trace, round 0 included
	resp, err = http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/trace")
	if err != nil {
		t.Fatalf("Failed to get trace: %v", err)
	}
	var records []store.RoundRecord
	json.NewDecoder(resp.Body).Decode(&records)
	resp.Body.Close()
	if len(records) != finished.Rounds+1 {
		t.Errorf("Expected %d records, got %d", finished.Rounds+1, len(records))
	}

	// Checkpoints
	resp, err = http.Get(ts.URL + "/api/v1/checkpoints")
	if err != nil {
		t.Fatalf("Failed to list checkpoints: %v", err)
	}
	var infos []store.CheckpointInfo
	json.NewDecoder(resp.Body).Decode(&infos)
	resp.Body.Close()
	if len(infos) != 1 || infos[0].RunID != job.ID {
		t.Errorf("Expected the checkpoint of %s, got %+v", job.ID, infos)
	}

	// Metrics
	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	text := string(body)
	if !strings.Contains(text, `envopt_runs_total{outcome="completed"} 1`) {
		t.Error("Metrics should count the completed run")
	}
	if !strings.Contains(text, fmt.Sprintf(`envopt_rounds_total{run=%q} %d`, job.ID, finished.Rounds+1)) {
		t.Error("Metrics should count the rounds of the job")
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	s := newTestServer(t)
	job := createTestJob(t, s.jobManager)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/stream")
	if err != nil {
		t.Fatalf("Failed to connect to stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	go runJob(t.Context(), s.jobManager, job.ID)

	// The stream ends after the event of the finished job.
	var events []ProgressEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		events = append(events, event)
	}

	if len(events) < 2 {
		t.Fatalf("Expected at least 2 events, got %d", len(events))
	}
	if events[0].State != StatePending {
		t.Errorf("First event should be pending, got %s", events[0].State)
	}
	last := events[len(events)-1]
	if last.State != StateCompleted {
		t.Errorf("Last event should be completed, got %s", last.State)
	}
	if last.JobID != job.ID || last.Rounds != 3 {
		t.Errorf("Unexpected final event: %+v", last)
	}

	waitForJob(t, s.jobManager, job.ID)
}

func TestServer_JobStream_Finished(t *testing.T) {
	s := newTestServer(t)
	job := createTestJob(t, s.jobManager)
	s.jobManager.UpdateJob(job.ID, func(j *Job) {
		j.State = StateCompleted
		j.BestFitness = 1.5
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Count(body, "data: ") != 1 {
		t.Fatalf("Expected a single event, got %q", body)
	}
	if !strings.Contains(body, `"state":"completed"`) || !strings.Contains(body, `"bestFitness":1.5`) {
		t.Errorf("Unexpected event: %q", body)
	}
}

func TestServer_DeleteJob(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	del := func(id string) int {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+id, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if code := del("nonexistent"); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}

	pending := createTestJob(t, s.jobManager)
	if code := del(pending.ID); code != http.StatusConflict {
		t.Errorf("Expected 409 for unfinished job, got %d", code)
	}

	w := postProblem(t, h, corridorProblem)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode job: %v", err)
	}
	waitForJob(t, s.jobManager, job.ID)

	if code := del(job.ID); code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", code)
	}
	if _, exists := s.jobManager.GetJob(job.ID); exists {
		t.Error("Job should be removed")
	}
	if _, err := s.store.LoadCheckpoint(job.ID); err == nil {
		t.Error("Run directory should be removed")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mw := httptest.NewRecorder()
	h.ServeHTTP(mw, req)
	if strings.Contains(mw.Body.String(), `run="`+job.ID+`"`) {
		t.Error("Per-run metrics should be dropped")
	}
	if code := del(job.ID); code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", code)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch, cancel := eb.Subscribe("job-1")
	eb.Broadcast(ProgressEvent{JobID: "job-1", Rounds: 3})
	eb.Broadcast(ProgressEvent{JobID: "job-2", Rounds: 9})

	select {
	case event := <-ch:
		if event.Rounds != 3 {
			t.Errorf("Expected rounds 3, got %d", event.Rounds)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}

	// Late subscribers get the last event.
	late, cancelLate := eb.Subscribe("job-2")
	defer cancelLate()
	select {
	case event := <-late:
		if event.Rounds != 9 {
			t.Errorf("Expected replayed rounds 9, got %d", event.Rounds)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for replayed event")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after unsubscribing")
	}
	cancel()
}

func TestEventBroadcaster_SlowSubscriber(t *testing.T) {
	eb := NewEventBroadcaster()
	ch, cancel := eb.Subscribe("job-1")
	defer cancel()

	for i := 0; i < 3*subscriberBuffer; i++ {
		eb.Broadcast(ProgressEvent{JobID: "job-1", Rounds: i})
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("Expected a full buffer of %d events, got %d", subscriberBuffer, len(ch))
	}
	if event := <-ch; event.Rounds != 0 {
		t.Errorf("Expected the oldest buffered event first, got round %d", event.Rounds)
	}
}
