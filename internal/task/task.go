// Package task defines the durable Task entity and the small set of value
// types the Task Store and Scheduler exchange. It holds no behavior beyond
// simple enum parsing/formatting.
package task

import (
	"encoding/json"
	"strings"
	"time"
)

// Priority is an ordinal enum; higher values win in scheduler selection.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses a case-insensitive priority name. Unknown names
// default to Medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "background":
		return PriorityBackground
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Status is the task state machine's current state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status has no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is the central durable entity owned by the Task Store.
type Task struct {
	ID              string
	Operation       string
	Target          string
	Priority        Priority
	Status          Status
	DependsOn       *string
	Metadata        json.RawMessage
	ProgressPercent int
	ProgressInfo    json.RawMessage
	ErrorMessage    string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// CreateSpec is the input to Store.Create. Operation and Target are
// immutable once the row exists.
type CreateSpec struct {
	Operation string
	Target    string
	Priority  Priority
	DependsOn *string
	Metadata  json.RawMessage
	CreatedBy string
}

// ListFilter narrows Store.List. Zero values mean "no filter" for that
// field, except Limit, which falls back to the caller's default.
type ListFilter struct {
	Status       *Status
	Target       string
	Operation    string
	OperationNE  string
	Since        *time.Time
	Query        string
	Limit        int
	IncludeCount bool
}

// Patch is a partial update applied atomically by Store.Update. Nil fields
// are left unchanged.
type Patch struct {
	Status          *Status
	ProgressPercent *int
	ProgressInfo    json.RawMessage
	ErrorMessage    *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// StatusCounts is the result of Store.CountByStatus.
type StatusCounts struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}
