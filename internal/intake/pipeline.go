// Package intake wires triage, reasoning and scheduling into the single
// pipeline every inbound message flows through, regardless of channel.
package intake

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intake-voice-lab/internal/dispatch"
	"github.com/intake-voice-lab/internal/logging"
	"github.com/intake-voice-lab/internal/reasoning"
	"github.com/intake-voice-lab/internal/schedule"
	"github.com/intake-voice-lab/internal/triage"
)

// Analyzer is the reasoning backend the pipeline consults for admitted
// messages.
type Analyzer interface {
	Analyze(ctx context.Context, correlationID, text string) (reasoning.Result, error)
}

// Reply is what the pipeline hands back to the transport layer.
type Reply struct {
	Text          string
	Intent        string
	Confidence    float64
	Source        string // "template", "cache", "rate_limit", "reasoning", "fallback"
	CorrelationID string
	Actions       []string
	Task          *schedule.Task
}

// Pipeline routes inbound messages through triage and, when admitted,
// through the reasoning backend. Scheduling side effects happen here.
type Pipeline struct {
	router    *triage.Router
	analyzer  Analyzer
	scheduler *schedule.Scheduler
}

func NewPipeline(router *triage.Router, analyzer Analyzer, scheduler *schedule.Scheduler) *Pipeline {
	return &Pipeline{router: router, analyzer: analyzer, scheduler: scheduler}
}

const fallbackText = "Thanks for reaching out. Someone from our team will get back to you shortly."

// Process handles one inbound message from subjectID over channel and
// returns the reply to deliver. Reasoning failures degrade to a canned
// acknowledgement instead of an error: the lead always gets an answer.
func (p *Pipeline) Process(ctx context.Context, subjectID string, channel dispatch.Channel, text string) Reply {
	correlationID := uuid.New().String()
	decision := p.router.Triage(subjectID, text)

	kv := logging.LeadFields(subjectID, "")
	kv = append(kv, "correlation_id", correlationID,
		"channel", channel.DisplayName(), "decision", decision.Kind.String())
	logging.Infow("message triaged", kv...)

	switch decision.Kind {
	case triage.DecisionTemplate:
		return Reply{
			Text: decision.Text, Intent: "template", Confidence: decision.Confidence,
			Source: "template", CorrelationID: correlationID,
		}
	case triage.DecisionCache:
		return Reply{
			Text: decision.Text, Intent: "cached", Confidence: decision.Confidence,
			Source: "cache", CorrelationID: correlationID,
		}
	case triage.DecisionRateLimited:
		return Reply{
			Text: decision.Text, Intent: "rate_limited", Confidence: 1.0,
			Source: "rate_limit", CorrelationID: correlationID,
		}
	}

	res, err := p.analyzer.Analyze(ctx, correlationID, text)
	if err != nil {
		logging.Warnw("reasoning failed, sending fallback",
			"correlation_id", correlationID, "subject_id", subjectID, "err", err)
		return Reply{
			Text: fallbackText, Intent: "general_inquiry", Confidence: 0.0,
			Source: "fallback", CorrelationID: correlationID,
		}
	}

	if decision.Fingerprint != "" {
		p.router.StoreResult(decision.Fingerprint, triage.CachedResult{
			ResponseText:     res.ResponseText,
			Intent:           res.Intent,
			Confidence:       res.Confidence,
			SuggestedActions: res.SuggestedActions,
			CachedAt:         time.Now(),
		})
	}

	reply := Reply{
		Text: res.ResponseText, Intent: res.Intent, Confidence: res.Confidence,
		Source: "reasoning", CorrelationID: correlationID, Actions: res.SuggestedActions,
	}

	if p.scheduler != nil && wantsCallback(res.SuggestedActions) {
		task, err := p.scheduleCallback(ctx, subjectID, res.PreferredTime, channel, priorityFor(res.Intent))
		if err != nil {
			logging.Errorw("failed to schedule callback",
				"correlation_id", correlationID, "subject_id", subjectID, "err", err)
		} else {
			reply.Task = &task
			logging.Infow("callback scheduled",
				"correlation_id", correlationID, "task_id", task.ID,
				"scheduled_at", task.ScheduledTime.Format(time.RFC3339))
		}
	}
	return reply
}

// scheduleCallback books the follow-up. An absent preferred time means
// "pick an optimal slot" rather than the parser's 24h fallback.
func (p *Pipeline) scheduleCallback(ctx context.Context, subjectID, preferred string, channel dispatch.Channel, priority string) (schedule.Task, error) {
	if strings.TrimSpace(preferred) == "" {
		return p.scheduler.ScheduleAt(ctx, subjectID, time.Time{}, "callback", channel, priority)
	}
	return p.scheduler.Schedule(ctx, subjectID, preferred, "callback", channel, priority)
}

func wantsCallback(actions []string) bool {
	for _, a := range actions {
		if strings.EqualFold(strings.TrimSpace(a), "schedule_callback") {
			return true
		}
	}
	return false
}

func priorityFor(intent string) string {
	switch strings.ToLower(intent) {
	case "urgent", "complaint", "escalation":
		return "high"
	default:
		return "normal"
	}
}
