package server

import (
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/envopt/internal/config"
)

const corridorProblem = `
name: corridor
mode: flow
layout:
  clearance: 0.5
  nodes:
    - {id: 0, pos: [3, 0, 1]}
    - {id: 1, pos: [3, 0, 4]}
  edges: [[0, 1]]
  query_regions:
    - {min: [0, 0, 0], max: [6, 0, 5]}
  reference_regions:
    - {min: [0, 0, 0], max: [1, 0, 1]}
parameters:
  - name: wall.x
    rule: translate
    axis: x
    nodes: [0, 1]
    lower: -2.5
    upper: 2.5
optimization:
  max_rounds: 3
  pop_size: 6
  ftol: 0
  xtol: 0
`

func testProblem(t *testing.T) *config.File {
	t.Helper()
	f, err := config.Parse([]byte(corridorProblem))
	if err != nil {
		t.Fatalf("Failed to parse problem: %v", err)
	}
	f.Output.Dir = t.TempDir()
	return f
}

func createTestJob(t *testing.T, jm *JobManager) *Job {
	t.Helper()
	job, err := jm.CreateJob(testProblem(t))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

// waitForJob polls until the job reaches a terminal state.
func waitForJob(t *testing.T, jm *JobManager, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := jm.GetJob(id)
		if !ok {
			t.Fatalf("Job %s disappeared", id)
		}
		if job.State.Finished() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", id)
	return nil
}

func TestJobManager_CreateJob(t *testing.T) {
	jm := NewJobManager(nil)
	job := createTestJob(t, jm)

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Expected state pending, got %s", job.State)
	}
	if job.Name != "corridor" {
		t.Errorf("Expected name corridor, got %q", job.Name)
	}
	if job.Config.Mode != "flow" || job.Config.Dim != 1 || job.Config.Rounds != 3 {
		t.Errorf("Unexpected config: %+v", job.Config)
	}
	if job.Config.ProblemPath == "" {
		t.Error("Config should name the saved problem file")
	}
}

func TestJobManager_GetJob(t *testing.T) {
	jm := NewJobManager(nil)
	job := createTestJob(t, jm)

	retrieved, exists := jm.GetJob(job.ID)
	if !exists {
		t.Fatal("Job should exist")
	}
	if retrieved.ID != job.ID {
		t.Errorf("Expected job ID %s, got %s", job.ID, retrieved.ID)
	}

	// Callers get a copy.
	retrieved.State = StateFailed
	again, _ := jm.GetJob(job.ID)
	if again.State != StatePending {
		t.Errorf("Modifying a returned job changed the manager: %s", again.State)
	}

	if _, exists := jm.GetJob("nonexistent"); exists {
		t.Error("Nonexistent job should not exist")
	}
}

func TestJobManager_ListJobs(t *testing.T) {
	jm := NewJobManager(nil)
	first := createTestJob(t, jm)
	time.Sleep(time.Millisecond)
	second := createTestJob(t, jm)

	jobs := jm.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Error("Jobs should be listed oldest first")
	}
}

func TestJobManager_UpdateJob(t *testing.T) {
	jm := NewJobManager(nil)
	job := createTestJob(t, jm)

	err := jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateRunning
		j.BestFitness = 2.5
		j.Rounds = 4
	})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateRunning {
		t.Errorf("Expected state running, got %s", updated.State)
	}
	if updated.BestFitness != 2.5 || updated.Rounds != 4 {
		t.Errorf("Unexpected progress: fitness %g, rounds %d", updated.BestFitness, updated.Rounds)
	}
	if running := jm.GetRunningJobs(); len(running) != 1 {
		t.Errorf("Expected 1 running job, got %d", len(running))
	}

	if err := jm.UpdateJob("nonexistent", func(j *Job) {}); err == nil {
		t.Error("UpdateJob should fail for nonexistent job")
	}
}

func TestJobManager_CancelJob(t *testing.T) {
	jm := NewJobManager(nil)
	job := createTestJob(t, jm)

	if err := jm.CancelJob("nonexistent"); err == nil {
		t.Error("CancelJob should fail for nonexistent job")
	}
	if err := jm.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	// A job cancelled while pending stops as soon as it starts.
	runJob(t.Context(), jm, job.ID)
	finished, _ := jm.GetJob(job.ID)
	if finished.State != StateCancelled {
		t.Errorf("Expected state cancelled, got %s", finished.State)
	}
	if finished.EndTime == nil {
		t.Error("EndTime should be set")
	}

	if err := jm.CancelJob(job.ID); err == nil {
		t.Error("Cancelling a finished job should fail")
	}
}

func TestJobManager_ThreadSafety(t *testing.T) {
	jm := NewJobManager(nil)
	job := createTestJob(t, jm)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			jm.UpdateJob(job.ID, func(j *Job) {
				j.Rounds = i
			})
		}(i)
		go func() {
			defer wg.Done()
			jm.GetJob(job.ID)
			jm.ListJobs()
		}()
	}
	wg.Wait()

	if _, exists := jm.GetJob(job.ID); !exists {
		t.Error("Job should still exist")
	}
}

func TestJobManager_RemoveJob(t *testing.T) {
	jm := NewJobManager(nil)
	job := createTestJob(t, jm)

	if err := jm.RemoveJob("nonexistent"); err == nil {
		t.Error("Expected error for unknown job")
	}
	if err := jm.RemoveJob(job.ID); err == nil {
		t.Error("Expected error for pending job")
	}

	if err := jm.UpdateJob(job.ID, func(j *Job) { j.State = StateFailed }); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if err := jm.RemoveJob(job.ID); err != nil {
		t.Fatalf("RemoveJob failed: %v", err)
	}
	if _, exists := jm.GetJob(job.ID); exists {
		t.Error("Job should be gone")
	}
}
