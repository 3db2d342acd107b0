// Package schedule converts natural-language time expressions into concrete
// scheduled tasks, resolves double-booking conflicts at creation time, and
// fires near-term tasks precisely on time.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/intake-voice-lab/internal/dispatch"
)

// Status is a task's lifecycle state. Tasks are status-terminated, never
// deleted.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Task is one deferred follow-up contact.
type Task struct {
	ID            string
	SubjectID     string
	ScheduledTime time.Time
	Kind          string
	Channel       dispatch.Channel
	Priority      string
	Status        Status
	CreatedAt     time.Time
	SentAt        time.Time
}

// ErrNotFound is returned by stores when a task id is unknown.
var ErrNotFound = errors.New("task not found")

// Store is the persistence and conflict-query collaborator. FindConflicts
// returns tasks for a subject whose scheduled time lies in [start, end] and
// whose status is still pending.
type Store interface {
	Persist(ctx context.Context, t *Task) error
	FindConflicts(ctx context.Context, subjectID string, start, end time.Time) ([]Task, error)
	// Due returns scheduled tasks whose time has passed, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// Claim transitions a task from scheduled to in_progress, returning
	// whether this caller won the claim. Urgency waiters and the sweep
	// worker both claim before dispatching so a task fires exactly once.
	Claim(ctx context.Context, taskID string) (bool, error)
	UpdateStatus(ctx context.Context, taskID string, status Status) error
}
