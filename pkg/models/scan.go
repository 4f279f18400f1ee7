package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the scan lifecycle state.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

// Outcome tags the terminal result of one runner invocation.
type Outcome string

const (
	// OutcomeSuccess - the tool ran and its output was captured.
	OutcomeSuccess Outcome = "success"

	// OutcomeTimeout - the wall-clock deadline expired and the
	// container was forcibly removed.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeToolError - the tool exited non-zero with unusable output.
	OutcomeToolError Outcome = "tool_error"

	// OutcomeSkippedNoDatabase - a composition-analysis tool had no
	// offline database available; coverage degrades, the scan continues.
	OutcomeSkippedNoDatabase Outcome = "skipped_no_database"

	// OutcomeLaunchFailure - the container engine rejected the launch.
	OutcomeLaunchFailure Outcome = "launch_failure"

	// OutcomeSkipped - the runner was not applicable to the project and
	// never executed.
	OutcomeSkipped Outcome = "skipped"
)

// FatalToScan reports whether this outcome forces the scan to failed.
// No per-runner outcome does; scans fail only on acquisition problems.
func (o Outcome) FatalToScan() bool { return false }

// RunnerOutcome records the terminal result of one runner so that "zero
// findings" stays distinguishable from "skipped" and "failed".
type RunnerOutcome struct {
	Tool     Tool          `json:"tool"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration_ms"`
	Findings int           `json:"findings"`

	// Error carries the per-runner diagnostic, including parse errors
	// that yielded zero findings from an otherwise successful execution.
	Error string `json:"error,omitempty"`
}

// Scan represents a single scan execution for a project. A Scan is owned
// and mutated only by the workflow engine, and becomes immutable once
// its status is terminal.
type Scan struct {
	// ID is the unique identifier for the scan.
	ID uuid.UUID `json:"id"`

	// ProjectID references the owning project.
	ProjectID uuid.UUID `json:"project_id"`

	// Timestamp is the time the scan was initiated.
	Timestamp time.Time `json:"timestamp"`

	// Status is the current lifecycle state.
	Status ScanStatus `json:"status"`

	// Findings is the ordered sequence of normalized findings.
	// Append-only while the scan is running.
	Findings []Finding `json:"findings"`

	// RunnerOutcomes records the terminal result of every selected runner.
	RunnerOutcomes []RunnerOutcome `json:"runner_outcomes"`
}

// NewScan creates a pending scan for the given project.
func NewScan(projectID uuid.UUID) *Scan {
	return &Scan{
		ID:        uuid.New(),
		ProjectID: projectID,
		Timestamp: time.Now(),
		Status:    ScanPending,
	}
}

// Start transitions pending -> running.
func (s *Scan) Start() error {
	if s.Status != ScanPending {
		return fmt.Errorf("scan %s: cannot start from %q", s.ID, s.Status)
	}
	s.Status = ScanRunning
	return nil
}

// AppendFindings appends findings while the scan is running.
func (s *Scan) AppendFindings(findings ...Finding) error {
	if s.Status != ScanRunning {
		return fmt.Errorf("scan %s: findings are append-only in running state, status is %q", s.ID, s.Status)
	}
	s.Findings = append(s.Findings, findings...)
	return nil
}

// RecordOutcome records a runner's terminal result while running.
func (s *Scan) RecordOutcome(outcome RunnerOutcome) error {
	if s.Status != ScanRunning {
		return fmt.Errorf("scan %s: cannot record outcome in status %q", s.ID, s.Status)
	}
	s.RunnerOutcomes = append(s.RunnerOutcomes, outcome)
	return nil
}

// Complete transitions running -> completed.
func (s *Scan) Complete() error {
	if s.Status != ScanRunning {
		return fmt.Errorf("scan %s: cannot complete from %q", s.ID, s.Status)
	}
	s.Status = ScanCompleted
	return nil
}

// Fail transitions the scan to failed from any non-terminal state.
func (s *Scan) Fail() error {
	if s.Status.Terminal() {
		return fmt.Errorf("scan %s: already terminal (%q)", s.ID, s.Status)
	}
	s.Status = ScanFailed
	return nil
}

// OutcomeFor returns the recorded outcome for a tool, if any.
func (s *Scan) OutcomeFor(tool Tool) (RunnerOutcome, bool) {
	for _, o := range s.RunnerOutcomes {
		if o.Tool == tool {
			return o, true
		}
	}
	return RunnerOutcome{}, false
}
