package orchestrator

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drewrad8/foreman/internal/output"
)

// Status is a worker's lifecycle state.
type Status string

const (
	// StatusPending waits on unfinished dependencies.
	StatusPending Status = "pending"
	// StatusRunning has a live subprocess in its session.
	StatusRunning Status = "running"
	// StatusAwaitingReview has signalled completion and waits for dismissal.
	StatusAwaitingReview Status = "awaiting_review"
	// StatusCompleted finished and was dismissed. Terminal.
	StatusCompleted Status = "completed"
	// StatusCrashed died unexpectedly. Terminal.
	StatusCrashed Status = "crashed"
	// StatusKilled was terminated by an operator or dependency failure. Terminal.
	StatusKilled Status = "killed"
)

// validStatusTransitions defines the legal lifecycle edges.
var validStatusTransitions = map[Status]map[Status]bool{
	StatusPending:        {StatusRunning: true, StatusKilled: true, StatusCrashed: true},
	StatusRunning:        {StatusAwaitingReview: true, StatusCrashed: true, StatusKilled: true},
	StatusAwaitingReview: {StatusCompleted: true, StatusCrashed: true, StatusKilled: true},
	StatusCompleted:      {},
	StatusCrashed:        {},
	StatusKilled:         {},
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	return validStatusTransitions[s][target]
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCrashed || s == StatusKilled
}

// Health is a worker's poll-driven health reading, independent of status.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthDead      Health = "dead"
)

// Task is the optional work description attached at spawn.
type Task struct {
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Context     string `json:"context,omitempty"`
}

// Worker is the registry's record of one supervised subprocess.
// ralphToken never crosses the external surface: it lives outside the JSON
// tags and is carried separately by the persistence layer.
type Worker struct {
	ID               string     `json:"id"`
	Label            string     `json:"label"`
	Project          string     `json:"project"`
	Status           Status     `json:"status"`
	Health           Health     `json:"health"`
	AutoAccept       bool       `json:"autoAccept"`
	AutoAcceptPaused bool       `json:"autoAcceptPaused"`
	DependsOn        []string   `json:"dependsOn"`
	ParentWorkerID   string     `json:"parentWorkerId,omitempty"`
	ParentLabel      string     `json:"parentLabel,omitempty"`
	ChildWorkerIDs   []string   `json:"childWorkerIds"`
	RalphMode        bool       `json:"ralphMode"`
	Task             *Task      `json:"task,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CrashedAt        *time.Time `json:"crashedAt,omitempty"`
	KilledAt         *time.Time `json:"killedAt,omitempty"`

	ralphToken string
	// command and initialInput are retained while the worker is pending so a
	// dependency-gated promotion starts it exactly as the spawn requested.
	command      string
	initialInput string
	ring         *output.Ring
	capturer     *output.Capturer
}

// snapshot returns a deep copy safe to hand to callers and serialisers.
// The unexported runtime fields are not copied.
func (w *Worker) snapshot() Worker {
	cp := *w
	cp.DependsOn = append([]string(nil), w.DependsOn...)
	cp.ChildWorkerIDs = append([]string(nil), w.ChildWorkerIDs...)
	if w.ChildWorkerIDs == nil {
		cp.ChildWorkerIDs = []string{}
	}
	if w.DependsOn == nil {
		cp.DependsOn = []string{}
	}
	if w.Task != nil {
		task := *w.Task
		cp.Task = &task
	}
	cp.ralphToken = ""
	cp.command = ""
	cp.initialInput = ""
	cp.ring = nil
	cp.capturer = nil
	return cp
}

// terminalAt returns when the worker reached its terminal status, falling
// back to creation time for records predating terminal timestamps.
func (w *Worker) terminalAt() time.Time {
	switch {
	case w.CompletedAt != nil:
		return *w.CompletedAt
	case w.CrashedAt != nil:
		return *w.CrashedAt
	case w.KilledAt != nil:
		return *w.KilledAt
	}
	return w.CreatedAt
}

var idRe = regexp.MustCompile(`^[a-f0-9]{8}$`)

// ValidID reports whether id matches the 8-hex worker id format.
func ValidID(id string) bool {
	return idRe.MatchString(id)
}

// newWorkerID generates a fresh 8-hex id.
func newWorkerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// newRalphToken generates a 128-bit completion-signalling secret.
func newRalphToken() string {
	return uuid.NewString()
}

const (
	maxLabelLen     = 200
	maxDependencies = 50
	maxInputBytes   = 1 << 20 // 1 MiB
)

// validateLabel enforces the label contract: 1-200 bytes, no control
// characters.
func validateLabel(label string) error {
	if len(label) == 0 {
		return &ValidationError{Field: "label", Reason: "must not be empty"}
	}
	if len(label) > maxLabelLen {
		return &ValidationError{Field: "label", Reason: "must be at most 200 bytes"}
	}
	for i := 0; i < len(label); i++ {
		b := label[i]
		if b < 32 || b == 127 {
			return &ValidationError{Field: "label", Reason: "must not contain control characters"}
		}
	}
	return nil
}

// validateProjectPath rejects traversal attempts. Existence under the
// projects base is checked by the registry.
func validateProjectPath(project string) error {
	if project == "" {
		return &ValidationError{Field: "projectPath", Reason: "is required"}
	}
	for _, part := range strings.Split(project, "/") {
		if part == ".." {
			return &ValidationError{Field: "projectPath", Reason: "must not contain '..'"}
		}
	}
	return nil
}

// validateInput enforces the input-size contract shared by sendInput and
// initialInput.
func validateInput(field, input string, allowEmpty bool) error {
	if !allowEmpty && len(input) == 0 {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(input) > maxInputBytes {
		return &ValidationError{Field: field, Reason: "must be at most 1 MiB"}
	}
	return nil
}
