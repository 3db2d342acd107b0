package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/intake-voice-lab/internal/dispatch"
	"github.com/intake-voice-lab/internal/logging"
)

// sweepBatch bounds how many due tasks one sweep picks up.
const sweepBatch = 50

// Sweeper is the periodic pickup for tasks scheduled beyond the urgent
// horizon: every interval it claims due tasks and dispatches them.
type Sweeper struct {
	store      Store
	dispatcher dispatch.Dispatcher
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a stopped sweeper; call Start to run it.
func NewSweeper(store Store, dispatcher dispatch.Dispatcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{store: store, dispatcher: dispatcher, interval: interval}
}

// Start launches the sweep loop.
func (w *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		logging.Infow("sweep worker started", "interval_s", int(w.interval.Seconds()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Close stops the loop and waits for an in-flight sweep to finish.
func (w *Sweeper) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	logging.Infow("sweep worker stopped")
}

func (w *Sweeper) sweep(ctx context.Context) {
	due, err := w.store.Due(ctx, time.Now(), sweepBatch)
	if err != nil {
		logging.Warnw("sweep: due query failed", "err", err)
		return
	}
	if len(due) == 0 {
		return
	}
	logging.Infow("sweep: executing due tasks", "count", len(due))
	for _, task := range due {
		claimed, err := w.store.Claim(ctx, task.ID)
		if err != nil {
			logging.Warnw("sweep: claim failed", "task_id", task.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		contact := dispatch.Contact{
			TaskID:      task.ID,
			SubjectID:   task.SubjectID,
			Kind:        task.Kind,
			Channel:     task.Channel,
			ScheduledAt: task.ScheduledTime,
		}
		status := StatusSent
		if err := w.dispatcher.Dispatch(ctx, contact); err != nil {
			logging.Errorw("sweep: dispatch failed", "task_id", task.ID, "err", err)
			status = StatusFailed
		}
		if err := w.store.UpdateStatus(ctx, task.ID, status); err != nil {
			logging.Warnw("sweep: status update failed", "task_id", task.ID, "err", err)
		}
	}
}
