package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intake-voice-lab/internal/dispatch"
	"github.com/intake-voice-lab/internal/logging"
)

// Config carries the scheduling policy knobs.
type Config struct {
	// ExclusionWindow is the half-width of the no-double-booking window
	// around an existing task for the same subject.
	ExclusionWindow time.Duration
	// ConflictShift is how far forward a conflicting proposal moves.
	ConflictShift time.Duration
	// MaxConflictRetries bounds conflict resolution; past it we schedule
	// anyway and log a warning.
	MaxConflictRetries int
	// UrgentThreshold is the horizon within which a waiter is started
	// instead of leaving the task for the periodic sweep.
	UrgentThreshold time.Duration
}

// DefaultConfig returns the production policy: +/-15 minute exclusion,
// 30 minute shifts, 20 retries, 30 minute urgent horizon.
func DefaultConfig() Config {
	return Config{
		ExclusionWindow:    15 * time.Minute,
		ConflictShift:      30 * time.Minute,
		MaxConflictRetries: 20,
		UrgentThreshold:    30 * time.Minute,
	}
}

// Scheduler converts contact intents into persisted ScheduledTasks and owns
// the urgency waiters that fire near-term tasks on time.
type Scheduler struct {
	store      Store
	dispatcher dispatch.Dispatcher
	cfg        Config

	// now is swappable for tests.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Close cancels outstanding urgency waiters and
// waits for them so nothing fires after shutdown.
func New(store Store, dispatcher dispatch.Dispatcher, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close cancels and joins all outstanding waiters.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Schedule parses rawExpr into a concrete time, resolves conflicts for the
// subject, persists the task, and arranges dispatch. A persistence failure
// aborts scheduling; no partial task is left behind.
func (s *Scheduler) Schedule(ctx context.Context, subjectID, rawExpr, kind string, channel dispatch.Channel, priority string) (Task, error) {
	proposed := ParseWhen(rawExpr, s.now())
	return s.ScheduleAt(ctx, subjectID, proposed, kind, channel, priority)
}

// ScheduleAt schedules at an explicit proposed time (batch entry point; a
// zero time means "pick an optimal slot").
func (s *Scheduler) ScheduleAt(ctx context.Context, subjectID string, proposed time.Time, kind string, channel dispatch.Channel, priority string) (Task, error) {
	now := s.now()
	if proposed.IsZero() {
		proposed = OptimalTime(priority, now)
	}
	scheduled := s.resolveConflicts(ctx, subjectID, proposed)

	task := Task{
		ID:            uuid.NewString(),
		SubjectID:     subjectID,
		ScheduledTime: scheduled,
		Kind:          kind,
		Channel:       channel,
		Priority:      priority,
		Status:        StatusScheduled,
		CreatedAt:     now,
	}
	if err := s.store.Persist(ctx, &task); err != nil {
		return Task{}, fmt.Errorf("persisting scheduled task: %w", err)
	}
	kv := logging.TaskFields(task.ID, subjectID)
	kv = append(kv, "kind", kind, "channel", string(channel),
		"scheduled_at", scheduled.UTC().Format(time.RFC3339))
	logging.Infow("task scheduled", kv...)

	delta := scheduled.Sub(now)
	switch {
	case delta <= 0:
		// Already due: dispatch immediately rather than waiting.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(task)
		}()
	case delta <= s.cfg.UrgentThreshold:
		s.startWaiter(task, delta)
	default:
		// Left for the periodic sweep.
	}
	return task, nil
}

// resolveConflicts shifts the proposed time forward until no existing task
// for the subject lies within the exclusion window, bounded by the retry
// cap. A failed conflict query logs a warning and proceeds with the
// original proposal (availability over strict correctness).
func (s *Scheduler) resolveConflicts(ctx context.Context, subjectID string, proposed time.Time) time.Time {
	candidate := proposed
	for attempt := 0; attempt < s.cfg.MaxConflictRetries; attempt++ {
		conflicts, err := s.store.FindConflicts(ctx, subjectID,
			candidate.Add(-s.cfg.ExclusionWindow), candidate.Add(s.cfg.ExclusionWindow))
		if err != nil {
			logging.Warnw("conflict query failed, proceeding with proposed time",
				"subject_id", subjectID, "err", err)
			return proposed
		}
		if len(conflicts) == 0 {
			return candidate
		}
		logging.Debugw("scheduling conflict, shifting",
			"subject_id", subjectID, "attempt", attempt,
			"candidate", candidate.UTC().Format(time.RFC3339))
		candidate = candidate.Add(s.cfg.ConflictShift)
	}
	logging.Warnw("conflict resolution retry cap reached, scheduling anyway",
		"subject_id", subjectID, "retries", s.cfg.MaxConflictRetries,
		"scheduled_at", candidate.UTC().Format(time.RFC3339))
	return candidate
}

// startWaiter arranges an owned, cancellable waiter that sleeps until the
// scheduled time and then signals the dispatch collaborator.
func (s *Scheduler) startWaiter(task Task, delay time.Duration) {
	logging.Infow("urgent task, starting waiter",
		"task_id", task.ID, "subject_id", task.SubjectID, "delay_s", int(delay.Seconds()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.fire(task)
		}
	}()
}

// fire claims the task and dispatches it, recording the outcome status.
func (s *Scheduler) fire(task Task) {
	ctx := s.ctx
	claimed, err := s.store.Claim(ctx, task.ID)
	if err != nil {
		logging.Warnw("task claim failed", "task_id", task.ID, "err", err)
		return
	}
	if !claimed {
		// Someone else (e.g. the sweep) already took it.
		return
	}
	contact := dispatch.Contact{
		TaskID:      task.ID,
		SubjectID:   task.SubjectID,
		Kind:        task.Kind,
		Channel:     task.Channel,
		ScheduledAt: task.ScheduledTime,
	}
	if err := s.dispatcher.Dispatch(ctx, contact); err != nil {
		logging.Errorw("dispatch failed", "task_id", task.ID, "err", err)
		if uerr := s.store.UpdateStatus(ctx, task.ID, StatusFailed); uerr != nil {
			logging.Warnw("status update failed", "task_id", task.ID, "err", uerr)
		}
		return
	}
	if err := s.store.UpdateStatus(ctx, task.ID, StatusSent); err != nil {
		logging.Warnw("status update failed", "task_id", task.ID, "err", err)
	}
}
