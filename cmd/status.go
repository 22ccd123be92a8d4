package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus is the subset of the server's job JSON the CLI prints.
type jobStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Config struct {
		ProblemPath string `json:"problemPath"`
		Mode        string `json:"mode"`
		Strategy    string `json:"strategy"`
		Dim         int    `json:"dim"`
		Rounds      int    `json:"rounds"`
		PopSize     int    `json:"popSize"`
	} `json:"config"`
	BestFitness    float64   `json:"bestFitness"`
	InitialFitness float64   `json:"initialFitness"`
	Rounds         int       `json:"rounds"`
	Evaluations    int       `json:"evaluations"`
	StopReason     string    `json:"stopReason"`
	Elapsed        float64   `json:"elapsed"`
	EvalsPerSecond float64   `json:"evalsPerSecond"`
	StartTime      time.Time `json:"startTime"`
	Error          string    `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func getJSON(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(w io.Writer, url string) error {
	var jobs []jobStatus
	if _, err := getJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		if job.Name != "" {
			fmt.Fprintf(w, "  Name: %s\n", job.Name)
		}
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  Mode: %s, %d genes\n", job.Config.Mode, job.Config.Dim)
		if job.Rounds > 0 {
			fmt.Fprintf(w, "  Fitness: %.6g -> %.6g (round %d)\n", job.InitialFitness, job.BestFitness, job.Rounds)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func getJobStatus(w io.Writer, url, jobID string) error {
	var status jobStatus
	code, err := getJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	fmt.Fprintf(w, "Started: %s\n", humanize.Time(status.StartTime))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Problem: %s\n", status.Config.ProblemPath)
	fmt.Fprintf(w, "  Mode: %s\n", status.Config.Mode)
	fmt.Fprintf(w, "  Strategy: %s\n", status.Config.Strategy)
	fmt.Fprintf(w, "  Genes: %d\n", status.Config.Dim)
	fmt.Fprintf(w, "  Rounds: %d\n", status.Config.Rounds)
	if status.Config.PopSize > 0 {
		fmt.Fprintf(w, "  Population: %d\n", status.Config.PopSize)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Round: %d\n", status.Rounds)
	fmt.Fprintf(w, "  Initial Fitness: %.6g\n", status.InitialFitness)
	fmt.Fprintf(w, "  Best Fitness: %.6g\n", status.BestFitness)
	fmt.Fprintf(w, "  Improvement: %.6g\n", status.BestFitness-status.InitialFitness)
	fmt.Fprintf(w, "  Evaluations: %s\n", humanize.Comma(int64(status.Evaluations)))

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.EvalsPerSecond > 0 {
		fmt.Fprintf(w, "  Throughput: %.1f evaluations/sec\n", status.EvalsPerSecond)
	}
	if status.StopReason != "" {
		fmt.Fprintf(w, "  Stop Reason: %s\n", status.StopReason)
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}

	return nil
}
