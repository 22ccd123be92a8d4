package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cwbudde/envopt/internal/fit"
	"github.com/cwbudde/envopt/internal/opt"
)

// progressInterval throttles progress events to two per second.
const progressInterval = 500 * time.Millisecond

// runJob executes an optimization job. Checkpoints and recorder output are
// written by the job's session; runJob tracks state and broadcasts progress.
func runJob(ctx context.Context, jm *JobManager, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	job, err := jm.start(jobID, cancel)
	if err != nil {
		return err
	}

	slog.Info("Starting job",
		"job_id", jobID,
		"name", job.Name,
		"mode", job.Config.Mode,
		"dim", job.Config.Dim,
	)

	progressDone := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitorProgress(ctx, jm, jobID, progressDone)
	}()

	result, err := job.session.Run(ctx)
	close(progressDone)
	<-monitorDone

	if err != nil {
		if errors.Is(err, context.Canceled) {
			markJobCancelled(jm, jobID, nil)
			return err
		}
		markJobFailed(jm, jobID, err)
		return err
	}

	if result.StopReason == opt.StopCancelled {
		markJobCancelled(jm, jobID, result)
		return nil
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		applyResult(j, result)
		j.State = StateCompleted
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}
	jm.finished(jobID, StateCompleted)

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", result.Elapsed,
		"initial_fitness", result.InitialFitness,
		"best_fitness", result.BestFitness,
		"stop_reason", string(result.StopReason),
	)
	return nil
}

func applyResult(j *Job, res *fit.OptimizationResult) {
	j.BestParams = res.BestX
	j.BestFitness = res.BestFitness
	j.InitialFitness = res.InitialFitness
	j.Rounds = res.Rounds
	j.Evaluations = res.Evaluations
	j.StopReason = string(res.StopReason)
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			jm.broadcaster.Broadcast(progressEvent(job))
		}
	}
}

// finished counts the outcome and sends the final event.
func (jm *JobManager) finished(jobID string, state JobState) {
	if jm.metrics != nil {
		jm.metrics.RunFinished(string(state))
	}
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(progressEvent(job))
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.finished(jobID, StateFailed)
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled, keeping res when the run got far
// enough to produce one.
func markJobCancelled(jm *JobManager, jobID string, res *fit.OptimizationResult) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		if res != nil {
			applyResult(j, res)
		}
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	jm.finished(jobID, StateCancelled)
	slog.Info("Job cancelled", "job_id", jobID)
}
