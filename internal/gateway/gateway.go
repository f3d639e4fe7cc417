// Package gateway is the sole sanctioned producer of outbound messages,
// appointments, opt-out flips, and scheduled jobs. Every write here
// enforces consent, opt-out, kill switch, business hours, and rate limits
// before touching the store, and leaves an audit row describing the
// attempt whether it succeeded or was blocked.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leadflow/internal/audit"
	"leadflow/internal/clock"
	"leadflow/internal/engineerr"
	"leadflow/internal/store"
	"leadflow/platform/logger"
)

// Gateway centralizes the five side-effect operations spec §4.1 names.
// It is the only type in the engine permitted to call the Gateway-only
// store.* write methods in gateway_writes.go.
type Gateway struct {
	store *store.Store
	audit *audit.Recorder
	log   *logger.Logger
}

func New(s *store.Store, a *audit.Recorder, log *logger.Logger) *Gateway {
	return &Gateway{store: s, audit: a, log: log}
}

// OutboundFlags governs which of create_outbound_message's preconditions
// are waived for this particular send.
type OutboundFlags struct {
	Automated           bool
	AllowWithoutConsent bool
	AllowOptedOutOnce   bool
	AllowAfterReply     bool
	IgnoreBusinessHours bool
}

const (
	maxOutboundPerLeadPerDay   = 4
	maxOutboundPerLocationHour = 100
	minGapBetweenOutbound      = 2 * time.Hour
	locationRateWindow         = 60 * time.Minute
)

// CreateOutboundMessage evaluates the fixed-order preconditions from
// spec §4.1 and, on success, inserts the Message and advances
// Conversation.last_outbound_at and Lead.last_contact_at, all inside tx.
// On a block, it returns an *engineerr.Error of KindBlockedByGateway and
// writes nothing but the audit row.
func (g *Gateway) CreateOutboundMessage(
	ctx context.Context,
	tx *sqlx.Tx,
	lead *store.Lead,
	conv *store.Conversation,
	schedule *clock.Schedule,
	now time.Time,
	body string,
	flags OutboundFlags,
) (*store.Message, error) {
	request := map[string]any{"lead_id": lead.ID, "body": body, "flags": flags}

	block, err := g.checkOutboundPreconditions(ctx, tx, lead, conv, schedule, now, flags)
	if err != nil {
		return nil, err
	}
	if block != "" {
		g.log.GatewayDecision("create_outbound_message", false, block)
		auditErr := g.audit.Record(ctx, tx, audit.Entry{
			ActionType: "create_outbound_message",
			TargetType: "conversation",
			TargetID:   conv.ID,
			Request:    request,
			Success:    false,
			ErrorMsg:   block,
		})
		if auditErr != nil {
			return nil, auditErr
		}
		return nil, engineerr.BlockedByGateway(block)
	}
	g.log.GatewayDecision("create_outbound_message", true, "")

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      store.DirectionOutbound,
		Body:           body,
		Status:         store.MessageStatusSent,
		CreatedAt:      store.FormatTime(now),
	}
	if err := g.store.InsertMessage(ctx, tx, msg); err != nil {
		return nil, engineerr.StoreFatal(err)
	}

	conv.LastOutboundAt = &msg.CreatedAt
	if err := g.store.UpdateConversation(ctx, tx, conv); err != nil {
		return nil, engineerr.StoreFatal(err)
	}

	lead.LastContactAt = &msg.CreatedAt
	if err := g.store.UpdateLeadStatus(ctx, tx, lead); err != nil {
		return nil, engineerr.StoreFatal(err)
	}

	if err := g.audit.Record(ctx, tx, audit.Entry{
		ActionType: "create_outbound_message",
		TargetType: "conversation",
		TargetID:   conv.ID,
		Request:    request,
		Response:   map[string]any{"message_id": msg.ID},
		Success:    true,
	}); err != nil {
		return nil, err
	}

	return msg, nil
}

// checkOutboundPreconditions returns the block reason (or "" if allowed),
// evaluating in fixed order: kill switch, opt-out, consent, business
// hours, then the per-lead daily, location hourly and minimum-gap rate
// limits.
func (g *Gateway) checkOutboundPreconditions(
	ctx context.Context,
	tx *sqlx.Tx,
	lead *store.Lead,
	conv *store.Conversation,
	schedule *clock.Schedule,
	now time.Time,
	flags OutboundFlags,
) (string, error) {
	if flags.Automated {
		killSwitch, err := g.store.KillSwitchEngagedTx(ctx, tx)
		if err != nil {
			return "", engineerr.StoreFatal(err)
		}
		if killSwitch {
			return "kill_switch", nil
		}
	}

	replyIsNewer := conv.LastInboundAt != nil && (conv.LastOutboundAt == nil || *conv.LastInboundAt > *conv.LastOutboundAt)

	if lead.OptedOut && !flags.AllowOptedOutOnce {
		return "opted_out", nil
	}

	if !lead.Consent && !flags.AllowWithoutConsent {
		return "no_consent", nil
	}

	if flags.Automated && !flags.IgnoreBusinessHours && !schedule.IsOpen(now) {
		if !(flags.AllowAfterReply && replyIsNewer) {
			return "outside_hours", nil
		}
	}

	if flags.Automated {
		dayStart := clock.LocalMidnight(now, schedule.Location)
		countToday, err := g.store.CountOutboundSinceTx(ctx, tx, conv.ID, dayStart)
		if err != nil {
			return "", engineerr.StoreFatal(err)
		}
		if countToday >= maxOutboundPerLeadPerDay {
			return "rate_lead_day", nil
		}

		countLocationHour, err := g.store.CountOutboundAcrossLocationSinceTx(ctx, tx, now.Add(-locationRateWindow))
		if err != nil {
			return "", engineerr.StoreFatal(err)
		}
		if countLocationHour >= maxOutboundPerLocationHour {
			return "rate_location_hour", nil
		}

		if conv.LastOutboundAt != nil && !replyIsNewer {
			lastOutbound, err := store.ParseTime(*conv.LastOutboundAt)
			if err != nil {
				return "", engineerr.StoreFatal(err)
			}
			if now.Sub(lastOutbound) < minGapBetweenOutbound {
				return "rate_min_gap", nil
			}
		}
	}

	return "", nil
}

// CreateAppointment books a 30-minute slot for a lead. It requires
// consent and not opted out, must fall during business hours, and must
// not overlap any other booked appointment for the same lead. The kill
// switch does not gate this operation — only the confirmation outbound
// that follows it, via CreateOutboundMessage's own flags.
func (g *Gateway) CreateAppointment(
	ctx context.Context,
	tx *sqlx.Tx,
	lead *store.Lead,
	schedule *clock.Schedule,
	startAt time.Time,
) (*store.Appointment, error) {
	endAt := startAt.Add(30 * time.Minute)
	request := map[string]any{"lead_id": lead.ID, "start_at": store.FormatTime(startAt)}

	block := ""
	switch {
	case !lead.Consent:
		block = "no_consent"
	case lead.OptedOut:
		block = "opted_out"
	case !schedule.IsOpen(startAt):
		block = "outside_hours"
	}

	if block == "" {
		existing, err := g.store.GetAppointmentsForLeadTx(ctx, tx, lead.ID)
		if err != nil {
			return nil, engineerr.StoreFatal(err)
		}
		for _, ex := range existing {
			exStart, err := store.ParseTime(ex.StartAt)
			if err != nil {
				return nil, engineerr.StoreFatal(err)
			}
			exEnd, err := store.ParseTime(ex.EndAt)
			if err != nil {
				return nil, engineerr.StoreFatal(err)
			}
			if startAt.Before(exEnd) && endAt.After(exStart) {
				block = "overlap"
				break
			}
		}
	}

	if block != "" {
		g.log.GatewayDecision("create_appointment", false, block)
		if err := g.audit.Record(ctx, tx, audit.Entry{
			ActionType: "create_appointment",
			TargetType: "lead",
			TargetID:   lead.ID,
			Request:    request,
			Success:    false,
			ErrorMsg:   block,
		}); err != nil {
			return nil, err
		}
		if block == "overlap" {
			return nil, engineerr.Conflict("overlapping appointment")
		}
		return nil, engineerr.BlockedByGateway(block)
	}
	g.log.GatewayDecision("create_appointment", true, "")

	appt := &store.Appointment{
		ID:        uuid.NewString(),
		LeadID:    lead.ID,
		StartAt:   store.FormatTime(startAt),
		EndAt:     store.FormatTime(endAt),
		Status:    store.AppointmentStatusBooked,
		CreatedAt: store.FormatTime(time.Now()),
	}
	if err := g.store.InsertAppointment(ctx, tx, appt); err != nil {
		return nil, engineerr.StoreFatal(err)
	}

	if err := g.audit.Record(ctx, tx, audit.Entry{
		ActionType: "create_appointment",
		TargetType: "lead",
		TargetID:   lead.ID,
		Request:    request,
		Response:   map[string]any{"appointment_id": appt.ID},
		Success:    true,
	}); err != nil {
		return nil, err
	}

	return appt, nil
}

// SetOptOut is idempotent: it sets opted_out=true, status=opted_out,
// cancels all pending jobs for the lead, and writes one audit row per
// attempt regardless of whether the lead was already opted out.
func (g *Gateway) SetOptOut(ctx context.Context, tx *sqlx.Tx, lead *store.Lead, reason string) error {
	request := map[string]any{"lead_id": lead.ID, "reason": reason}

	alreadyOptedOut := lead.OptedOut

	lead.OptedOut = true
	lead.Status = store.LeadStatusOptedOut
	if err := g.store.UpdateLeadStatus(ctx, tx, lead); err != nil {
		return engineerr.StoreFatal(err)
	}

	if err := g.store.CancelPendingJobsForTarget(ctx, tx, lead.ID); err != nil {
		return engineerr.StoreFatal(err)
	}

	// Reminder jobs target the appointment rather than the lead.
	appts, err := g.store.GetAppointmentsForLeadTx(ctx, tx, lead.ID)
	if err != nil {
		return engineerr.StoreFatal(err)
	}
	for _, appt := range appts {
		if err := g.store.CancelPendingJobsForTarget(ctx, tx, appt.ID); err != nil {
			return engineerr.StoreFatal(err)
		}
	}

	return g.audit.Record(ctx, tx, audit.Entry{
		ActionType: "set_opt_out",
		TargetType: "lead",
		TargetID:   lead.ID,
		Request:    request,
		Response:   map[string]any{"already_opted_out": alreadyOptedOut},
		Success:    true,
	})
}

// ScheduleJob inserts a pending job row. The kill switch never prevents
// scheduling — only execution, at drain time.
func (g *Gateway) ScheduleJob(ctx context.Context, tx *sqlx.Tx, jobType string, targetID *string, executeAt time.Time, payloadJSON string) (*store.ScheduledJob, error) {
	job := &store.ScheduledJob{
		ID:          uuid.NewString(),
		JobType:     jobType,
		TargetID:    targetID,
		ExecuteAt:   store.FormatTime(executeAt),
		Status:      store.JobStatusPending,
		PayloadJSON: payloadJSON,
		CreatedAt:   store.FormatTime(time.Now()),
	}
	if err := g.store.InsertScheduledJob(ctx, tx, job); err != nil {
		return nil, engineerr.StoreFatal(err)
	}

	if err := g.audit.Record(ctx, tx, audit.Entry{
		ActionType: "schedule_job",
		TargetType: "scheduled_job",
		TargetID:   job.ID,
		Request:    map[string]any{"job_type": jobType, "execute_at": job.ExecuteAt},
		Success:    true,
	}); err != nil {
		return nil, err
	}

	return job, nil
}

// CancelJobsOnKillSwitch marks every pending job cancelled and writes one
// summary audit row, carrying the number of jobs cancelled. Call this
// inside the same transaction that flips the kill_switch setting.
func (g *Gateway) CancelJobsOnKillSwitch(ctx context.Context, tx *sqlx.Tx) (int, error) {
	due, err := g.pendingJobCount(ctx, tx)
	if err != nil {
		return 0, engineerr.StoreFatal(err)
	}

	if err := g.store.CancelAllPendingJobs(ctx, tx); err != nil {
		return 0, engineerr.StoreFatal(err)
	}

	if err := g.audit.Record(ctx, tx, audit.Entry{
		ActionType: "cancel_jobs_on_kill_switch",
		TargetType: "scheduled_job",
		Request:    map[string]any{},
		Response:   map[string]any{"cancelled_count": due},
		Success:    true,
	}); err != nil {
		return 0, err
	}

	return due, nil
}

func (g *Gateway) pendingJobCount(ctx context.Context, tx *sqlx.Tx) (int, error) {
	var count int
	err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM scheduled_jobs WHERE status = ?`, store.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return count, nil
}
