// Package scheduler drains due ScheduledJob rows and dispatches each to
// its handler. It never runs two handlers concurrently: a single drain
// invocation processes rows strictly in (execute_at, id) order, and a
// mutex makes concurrent drain calls re-entrant-safe per spec §5.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"leadflow/internal/clock"
	"leadflow/internal/engineerr"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/platform/logger"
)

// Result is the outcome of a single drain invocation.
type Result struct {
	Processed int
	Skipped   int
	Errors    int
}

// Scheduler drains pending jobs on demand; it holds no background
// goroutine of its own — callers (the HTTP handler, or cmd/api's
// convenience ticker) invoke RunDueJobs directly.
type Scheduler struct {
	store *store.Store
	gw    *gateway.Gateway
	log   *logger.Logger
	mu    sync.Mutex
}

func New(s *store.Store, gw *gateway.Gateway, log *logger.Logger) *Scheduler {
	return &Scheduler{store: s, gw: gw, log: log}
}

// RunDueJobs drains every row with status=pending and execute_at <= now,
// ordered by (execute_at, id). Rows claimed by a concurrent drain (lost
// the UPDATE race) are silently skipped rather than double-processed.
func (sch *Scheduler) RunDueJobs(ctx context.Context, now time.Time) (Result, error) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	due, err := sch.store.ListPendingJobsDue(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("list due jobs: %w", err)
	}

	var result Result
	for _, job := range due {
		outcome, err := sch.runOne(ctx, job, now)
		if err != nil {
			sch.log.Error("job handler failed", "job_id", job.ID, "job_type", job.JobType, "error", err)
		}
		switch outcome {
		case outcomeProcessed:
			result.Processed++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Errors++
		}
	}

	return result, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)

// runOne claims and dispatches a single job inside its own transaction,
// so a failure in one row never rolls back another row's progress.
func (sch *Scheduler) runOne(ctx context.Context, job store.ScheduledJob, now time.Time) (outcome, error) {
	killSwitch, err := sch.store.KillSwitchEngaged(ctx)
	if err != nil {
		return outcomeFailed, err
	}
	if killSwitch {
		// Leave pending; kill-switch cancellation happens at toggle time, not drain time.
		return outcomeSkipped, nil
	}

	var result outcome
	var handlerErr error

	txErr := sch.store.WithTx(ctx, "run scheduled job", func(tx *sqlx.Tx) error {
		claimed, err := sch.store.ClaimJob(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if !claimed {
			result = outcomeSkipped
			return nil
		}

		err = sch.dispatch(ctx, tx, job, now)
		if engineerr.Is(err, engineerr.KindBlockedByGateway) {
			// The block itself is the observable outcome; the job is handled.
			result = outcomeProcessed
			return nil
		}
		if err != nil {
			handlerErr = err
			return err
		}

		result = outcomeProcessed
		return nil
	})

	if txErr != nil {
		if markErr := sch.store.FailJob(ctx, job.ID); markErr != nil {
			sch.log.Error("failed to mark job failed", "job_id", job.ID, "error", markErr)
		}
		return outcomeFailed, handlerErr
	}

	return result, nil
}

func (sch *Scheduler) dispatch(ctx context.Context, tx *sqlx.Tx, job store.ScheduledJob, now time.Time) error {
	switch job.JobType {
	case store.JobTypeInitialFollowUp:
		return sch.handleInitialFollowUp(ctx, tx, job, now)
	case store.JobTypeAppointmentReminder:
		return sch.handleAppointmentReminder(ctx, tx, job, now)
	case store.JobTypeSafeReprompt:
		return sch.handleSafeReprompt(ctx, tx, job, now)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (sch *Scheduler) loadSchedule(ctx context.Context) (*clock.Schedule, error) {
	loc, err := sch.store.GetLocation(ctx)
	if err != nil {
		return nil, err
	}
	return clock.ParseSchedule(loc.Timezone, loc.BusinessHoursJSON)
}

// handleInitialFollowUp delivers the first outbound prompt and moves the
// conversation to awaiting_yes. It is idempotent: if the lead has already
// moved past awaiting_yes, the handler returns without touching the
// conversation or sending anything.
func (sch *Scheduler) handleInitialFollowUp(ctx context.Context, tx *sqlx.Tx, job store.ScheduledJob, now time.Time) error {
	if job.TargetID == nil {
		return fmt.Errorf("initial_follow_up job %s missing target_id", job.ID)
	}
	lead, err := sch.store.GetLeadByIDTx(ctx, tx, *job.TargetID)
	if err != nil {
		return err
	}
	if lead.Status != store.LeadStatusAwaitingYes {
		return nil
	}
	conv, err := sch.store.GetConversationByLeadIDTx(ctx, tx, lead.ID)
	if err != nil {
		return err
	}

	schedule, err := sch.loadSchedule(ctx)
	if err != nil {
		return err
	}

	conv.State = store.LeadStatusAwaitingYes
	if err := sch.store.UpdateConversation(ctx, tx, conv); err != nil {
		return err
	}

	_, err = sch.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now,
		"Reply YES to book your free session, or STOP to opt out.",
		gateway.OutboundFlags{Automated: true})
	return err
}

// handleAppointmentReminder sends a reminder if the appointment is still
// booked and in the future; otherwise it is a silent no-op.
func (sch *Scheduler) handleAppointmentReminder(ctx context.Context, tx *sqlx.Tx, job store.ScheduledJob, now time.Time) error {
	if job.TargetID == nil {
		return fmt.Errorf("appointment_reminder job %s missing target_id", job.ID)
	}

	var appt store.Appointment
	if err := tx.GetContext(ctx, &appt, `SELECT * FROM appointments WHERE id = ?`, *job.TargetID); err != nil {
		return err
	}
	if appt.Status != store.AppointmentStatusBooked {
		return nil
	}
	startAt, err := store.ParseTime(appt.StartAt)
	if err != nil {
		return err
	}
	if !startAt.After(now) {
		return nil
	}

	lead, err := sch.store.GetLeadByIDTx(ctx, tx, appt.LeadID)
	if err != nil {
		return err
	}
	conv, err := sch.store.GetConversationByLeadIDTx(ctx, tx, lead.ID)
	if err != nil {
		return err
	}
	schedule, err := sch.loadSchedule(ctx)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("Reminder: your appointment is at %s.", startAt.In(schedule.Location).Format("Mon Jan 2 3:04 PM"))
	_, err = sch.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now, body, gateway.OutboundFlags{
		Automated:           true,
		AllowWithoutConsent: false,
	})
	return err
}

// safeRepromptPayload is the payload_json shape for safe_reprompt jobs,
// naming the conversation to re-prompt.
type safeRepromptPayload struct {
	ConversationID string `json:"conversation_id"`
}

// handleSafeReprompt resets the named conversation to awaiting_yes and
// re-sends the safe "Reply YES to…" prompt, the same reset that
// internal/conversation applies synchronously to a stale inbound. Nothing
// in the engine schedules these jobs on its own; they arrive through
// internal/agentbridge's schedule_job action.
func (sch *Scheduler) handleSafeReprompt(ctx context.Context, tx *sqlx.Tx, job store.ScheduledJob, now time.Time) error {
	var payload safeRepromptPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("unmarshal safe_reprompt payload: %w", err)
	}

	var conv store.Conversation
	if err := tx.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE id = ?`, payload.ConversationID); err != nil {
		return err
	}
	lead, err := sch.store.GetLeadByIDTx(ctx, tx, conv.LeadID)
	if err != nil {
		return err
	}
	schedule, err := sch.loadSchedule(ctx)
	if err != nil {
		return err
	}

	conv.State = store.LeadStatusAwaitingYes
	conv.StateJSON = "{}"
	conv.RepairAttempts = 0
	if err := sch.store.UpdateConversation(ctx, tx, &conv); err != nil {
		return err
	}

	_, err = sch.gw.CreateOutboundMessage(ctx, tx, lead, &conv, schedule, now,
		"Reply YES to book your free session, or STOP to opt out.",
		gateway.OutboundFlags{Automated: true})
	return err
}
