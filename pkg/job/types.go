// Package job defines the generation job model shared by the queue, the
// runners and the orchestrator.
package job

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects the execution strategy for a job. It is fixed at enqueue time.
//
// NOTE: These values are persisted in the queue file.
type Mode string

const (
	ModeSubprocess  Mode = "subprocess"
	ModeResidentAPI Mode = "resident_api"
)

// ParseMode accepts the persisted names plus a couple of operator shorthands.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "subprocess", "cli":
		return ModeSubprocess, nil
	case "resident_api", "api", "sidecar":
		return ModeResidentAPI, nil
	default:
		return "", &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", s)}
	}
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// SubprocessPayload is the execution payload of a SUBPROCESS job.
type SubprocessPayload struct {
	Args       []string `json:"args"`
	Dir        string   `json:"dir"`
	ConfigPath string   `json:"config_path"`
}

// APIPayload is the execution payload of a RESIDENT_API job.
//
// BaseURL is empty until the job starts; the sidecar address is process-wide
// state and is resolved at start time.
type APIPayload struct {
	Params  Params `json:"params"`
	BaseURL string `json:"base_url,omitempty"`
}

// Display is the presentation snapshot taken at enqueue time. It is never
// recomputed from later state.
type Display struct {
	Title           string  `json:"title"`
	BatchSize       int     `json:"batch_size"`
	SeedLabel       string  `json:"seed"`
	TaskType        string  `json:"task_type"`
	DurationSeconds float64 `json:"duration_s"`
	NamingTag       string  `json:"naming_tag,omitempty"`
}

// Job is one queued generation request. Exactly one of Subprocess or API is
// set, matching Mode.
type Job struct {
	ID         int64              `json:"job_id"`
	CreatedAt  time.Time          `json:"created_at"`
	Mode       Mode               `json:"mode"`
	Status     Status             `json:"status"`
	OutputDir  string             `json:"out_dir"`
	Subprocess *SubprocessPayload `json:"subprocess,omitempty"`
	API        *APIPayload        `json:"api,omitempty"`
	Display    Display            `json:"display"`
}

// Runnable reports why a job deserialized from disk cannot be executed, or
// nil when it can.
func (j *Job) Runnable() error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if j.ID <= 0 {
		return fmt.Errorf("job has no id")
	}
	switch j.Mode {
	case ModeSubprocess:
		if j.Subprocess == nil || len(j.Subprocess.Args) == 0 {
			return fmt.Errorf("job %d: missing argument vector", j.ID)
		}
		if strings.TrimSpace(j.Subprocess.Dir) == "" {
			return fmt.Errorf("job %d: missing working directory", j.ID)
		}
		if strings.TrimSpace(j.Subprocess.ConfigPath) == "" {
			return fmt.Errorf("job %d: missing config path", j.ID)
		}
		if _, err := os.Stat(j.Subprocess.ConfigPath); err != nil {
			return fmt.Errorf("job %d: config artifact: %w", j.ID, err)
		}
	case ModeResidentAPI:
		if j.API == nil {
			return fmt.Errorf("job %d: missing api payload", j.ID)
		}
		if _, err := NormalizeInferMethod(j.API.Params.InferMethod); err != nil {
			return fmt.Errorf("job %d: %w", j.ID, err)
		}
	default:
		return fmt.Errorf("job %d: unknown mode %q", j.ID, j.Mode)
	}
	return nil
}

// Label is a short human-readable identifier used in log lines.
func (j *Job) Label() string {
	if j == nil {
		return ""
	}
	title := strings.TrimSpace(j.Display.Title)
	if title == "" {
		title = j.Display.TaskType
	}
	return "#" + strconv.FormatInt(j.ID, 10) + " " + title
}

// SeedLabelFor renders the seed column shown for a queued job.
func SeedLabelFor(p Params) string {
	if p.UseRandomSeed || p.Seed == nil {
		return "random"
	}
	return strconv.FormatInt(*p.Seed, 10)
}
