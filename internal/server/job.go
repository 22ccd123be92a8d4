package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/fit"
	"github.com/cwbudde/envopt/internal/session"
	"github.com/cwbudde/envopt/internal/store"
	"github.com/cwbudde/envopt/internal/telemetry"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Finished reports whether the job reached a terminal state.
func (s JobState) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig is an alias to avoid duplication with store.RunConfig
type JobConfig = store.RunConfig

// Job represents an optimization job. The job id is also the run id of its
// artifacts in the data directory.
type Job struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	State          JobState   `json:"state"`
	Config         JobConfig  `json:"config"`
	BestParams     []float64  `json:"bestParams,omitempty"`
	BestFitness    float64    `json:"bestFitness"`
	InitialFitness float64    `json:"initialFitness"`
	Rounds         int        `json:"rounds"`
	Evaluations    int        `json:"evaluations"`
	StopReason     string     `json:"stopReason,omitempty"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Error          string     `json:"error,omitempty"`

	session         *session.Session
	cancel          context.CancelFunc
	cancelRequested bool
}

// Elapsed is the run time so far, or the total run time of a finished job.
func (j *Job) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
	metrics     *telemetry.Metrics
}

// NewJobManager creates a new JobManager. metrics may be nil.
func NewJobManager(metrics *telemetry.Metrics) *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
		metrics:     metrics,
	}
}

// CreateJob registers a pending job for problem. Its artifacts go to
// problem.Output.Dir.
func (jm *JobManager) CreateJob(problem *config.File) (*Job, error) {
	id := uuid.New().String()
	sess, err := session.New(problem, session.Options{
		RunID:   id,
		Metrics: jm.metrics,
		OnRound: func(st fit.RoundStats) { jm.recordRound(id, st) },
	})
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        id,
		Name:      problem.Name,
		State:     StatePending,
		Config:    sess.RunConfig(),
		StartTime: time.Now(),
		session:   sess,
	}

	jm.mu.Lock()
	jm.jobs[job.ID] = job
	jm.mu.Unlock()

	v := *job
	return &v, nil
}

// GetJob returns a copy of the job with the given id.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	v := *job
	return &v, true
}

// ListJobs returns copies of all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		v := *job
		jobs = append(jobs, &v)
	}
	slices.SortFunc(jobs, func(a, b *Job) int { return a.StartTime.Compare(b.StartTime) })
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			v := *job
			runningJobs = append(runningJobs, &v)
		}
	}
	return runningJobs
}

// CancelJob stops a pending or running job. The job keeps its best-so-far
// result and ends in StateCancelled.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State.Finished() {
		return fmt.Errorf("job %s already %s", id, job.State)
	}
	job.cancelRequested = true
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// RemoveJob forgets a finished job together with its metric series. The
// run artifacts are left to the caller.
func (jm *JobManager) RemoveJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if !job.State.Finished() {
		return fmt.Errorf("job %s is %s", id, job.State)
	}
	delete(jm.jobs, id)
	if jm.metrics != nil {
		jm.metrics.Forget(id)
	}
	return nil
}

// CancelAll stops every job that has not finished.
func (jm *JobManager) CancelAll() {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, job := range jm.jobs {
		if job.State.Finished() {
			continue
		}
		job.cancelRequested = true
		if job.cancel != nil {
			job.cancel()
		}
	}
}

// start moves a job to StateRunning and attaches cancel. A cancel requested
// while the job was pending fires immediately.
func (jm *JobManager) start(id string, cancel context.CancelFunc) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if job.State != StatePending {
		return nil, fmt.Errorf("job %s is %s, not pending", id, job.State)
	}
	job.State = StateRunning
	job.cancel = cancel
	if job.cancelRequested {
		cancel()
	}
	v := *job
	return &v, nil
}

func (jm *JobManager) recordRound(id string, st fit.RoundStats) {
	jm.UpdateJob(id, func(j *Job) {
		if st.Round == 0 {
			j.InitialFitness = st.Fitness
		}
		j.BestParams = st.BestX
		j.BestFitness = st.BestFitness
		j.Rounds = st.Round
		j.Evaluations = st.Evaluations
	})
}
