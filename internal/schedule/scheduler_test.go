package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intake-voice-lab/internal/dispatch"
)

// recordingDispatcher captures dispatched contacts.
type recordingDispatcher struct {
	mu       sync.Mutex
	contacts []dispatch.Contact
	fail     bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, c dispatch.Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("delivery failed")
	}
	d.contacts = append(d.contacts, c)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contacts)
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Persist(context.Context, *Task) error { return errors.New("db down") }
func (failingStore) FindConflicts(context.Context, string, time.Time, time.Time) ([]Task, error) {
	return nil, errors.New("db down")
}
func (failingStore) Due(context.Context, time.Time, int) ([]Task, error) {
	return nil, errors.New("db down")
}
func (failingStore) Claim(context.Context, string) (bool, error) { return false, errors.New("db down") }
func (failingStore) UpdateStatus(context.Context, string, Status) error {
	return errors.New("db down")
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
}

func newTestScheduler(t *testing.T, store Store, d dispatch.Dispatcher) *Scheduler {
	t.Helper()
	s := New(store, d, DefaultConfig())
	s.now = fixedNow
	t.Cleanup(s.Close)
	return s
}

func TestScheduleParsesExpression(t *testing.T) {
	store := NewMemoryStore()
	s := newTestScheduler(t, store, &recordingDispatcher{})

	task, err := s.Schedule(context.Background(), "lead-1", "in 2 hours", "callback", dispatch.ChannelSMS, "normal")
	require.NoError(t, err)
	assert.Equal(t, fixedNow().Add(2*time.Hour), task.ScheduledTime)
	assert.Equal(t, StatusScheduled, task.Status)

	persisted, ok := store.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, "lead-1", persisted.SubjectID)
	assert.Equal(t, dispatch.ChannelSMS, persisted.Channel)
}

func TestScheduleConflictShifts(t *testing.T) {
	store := NewMemoryStore()
	s := newTestScheduler(t, store, &recordingDispatcher{})
	ctx := context.Background()

	first, err := s.ScheduleAt(ctx, "lead-1", fixedNow().Add(2*time.Hour), "callback", dispatch.ChannelEmail, "normal")
	require.NoError(t, err)

	// Ten minutes away from the first task: inside the exclusion window,
	// so the second one shifts 30 minutes forward.
	second, err := s.ScheduleAt(ctx, "lead-1", fixedNow().Add(2*time.Hour+10*time.Minute), "callback", dispatch.ChannelEmail, "normal")
	require.NoError(t, err)

	gap := second.ScheduledTime.Sub(first.ScheduledTime)
	if gap < 0 {
		gap = -gap
	}
	assert.Greater(t, gap, 15*time.Minute)
	assert.Equal(t, fixedNow().Add(2*time.Hour+40*time.Minute), second.ScheduledTime)
}

func TestScheduleConflictOtherSubjectIgnored(t *testing.T) {
	store := NewMemoryStore()
	s := newTestScheduler(t, store, &recordingDispatcher{})
	ctx := context.Background()

	at := fixedNow().Add(3 * time.Hour)
	_, err := s.ScheduleAt(ctx, "lead-1", at, "callback", dispatch.ChannelEmail, "normal")
	require.NoError(t, err)

	task, err := s.ScheduleAt(ctx, "lead-2", at, "callback", dispatch.ChannelEmail, "normal")
	require.NoError(t, err)
	assert.Equal(t, at, task.ScheduledTime)
}

func TestScheduleConflictRetryCap(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxConflictRetries = 3
	s := New(store, &recordingDispatcher{}, cfg)
	s.now = fixedNow
	t.Cleanup(s.Close)
	ctx := context.Background()

	// Saturate every candidate slot the resolver can reach.
	base := fixedNow().Add(2 * time.Hour)
	for i := 0; i <= 4; i++ {
		at := base.Add(time.Duration(i) * cfg.ConflictShift)
		store.Persist(ctx, &Task{ID: "seed-" + string(rune('a'+i)), SubjectID: "lead-1",
			ScheduledTime: at, Status: StatusScheduled, Channel: dispatch.ChannelEmail})
	}

	task, err := s.ScheduleAt(ctx, "lead-1", base, "callback", dispatch.ChannelEmail, "normal")
	require.NoError(t, err)
	// Cap reached: scheduled anyway at the last candidate.
	assert.Equal(t, base.Add(3*cfg.ConflictShift), task.ScheduledTime)
}

// conflictErrStore persists fine but cannot answer conflict queries.
type conflictErrStore struct {
	*MemoryStore
}

func (s conflictErrStore) FindConflicts(context.Context, string, time.Time, time.Time) ([]Task, error) {
	return nil, errors.New("query timeout")
}

func TestScheduleConflictQueryFailureUsesProposedTime(t *testing.T) {
	store := conflictErrStore{NewMemoryStore()}
	s := newTestScheduler(t, store, &recordingDispatcher{})

	at := fixedNow().Add(2 * time.Hour)
	task, err := s.ScheduleAt(context.Background(), "lead-1", at, "callback", dispatch.ChannelEmail, "normal")
	require.NoError(t, err)
	assert.Equal(t, at, task.ScheduledTime)
}

func TestSchedulePersistFailureAborts(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, failingStore{}, d)

	_, err := s.Schedule(context.Background(), "lead-1", "in 5 minutes", "callback", dispatch.ChannelSMS, "normal")
	require.Error(t, err)
	assert.Zero(t, d.count())
}

func TestSchedulePastTimeDispatchesImmediately(t *testing.T) {
	store := NewMemoryStore()
	d := &recordingDispatcher{}
	s := New(store, d, DefaultConfig())
	t.Cleanup(s.Close)

	task, err := s.ScheduleAt(context.Background(), "lead-1", time.Now().Add(-time.Minute), "callback", dispatch.ChannelCall, "high")
	require.NoError(t, err)

	waitForCount(t, d.count, 1)
	got, ok := store.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)
	assert.False(t, got.SentAt.IsZero())
}

func TestScheduleUrgentWaiterFires(t *testing.T) {
	store := NewMemoryStore()
	d := &recordingDispatcher{}
	s := New(store, d, DefaultConfig())
	t.Cleanup(s.Close)

	task, err := s.ScheduleAt(context.Background(), "lead-1", time.Now().Add(50*time.Millisecond), "callback", dispatch.ChannelSMS, "high")
	require.NoError(t, err)

	waitForCount(t, d.count, 1)
	got, _ := store.Get(task.ID)
	assert.Equal(t, StatusSent, got.Status)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, task.ID, d.contacts[0].TaskID)
	assert.Equal(t, "lead-1", d.contacts[0].SubjectID)
}

func TestScheduleFarTaskLeftForSweep(t *testing.T) {
	store := NewMemoryStore()
	d := &recordingDispatcher{}
	s := newTestScheduler(t, store, d)

	task, err := s.ScheduleAt(context.Background(), "lead-1", fixedNow().Add(3*time.Hour), "callback", dispatch.ChannelEmail, "normal")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, d.count())
	got, _ := store.Get(task.ID)
	assert.Equal(t, StatusScheduled, got.Status)
}

func TestFireRecordsFailure(t *testing.T) {
	store := NewMemoryStore()
	d := &recordingDispatcher{fail: true}
	s := New(store, d, DefaultConfig())
	t.Cleanup(s.Close)

	task, err := s.ScheduleAt(context.Background(), "lead-1", time.Now().Add(-time.Second), "callback", dispatch.ChannelSMS, "normal")
	require.NoError(t, err)

	waitForStatus(t, store, task.ID, StatusFailed)
}

func TestClaimPreventsDoubleDispatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	task := &Task{ID: "t1", SubjectID: "lead-1", ScheduledTime: time.Now(), Status: StatusScheduled}
	require.NoError(t, store.Persist(ctx, task))

	won, err := store.Claim(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.Claim(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, won)
}

func waitForCount(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dispatch count never reached %d", want)
}

func waitForStatus(t *testing.T, store *MemoryStore, taskID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := store.Get(taskID); ok && got.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, want)
}
