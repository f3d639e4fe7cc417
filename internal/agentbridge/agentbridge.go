// Package agentbridge exposes a dry-run/execute surface over a
// declarative action, routed through the same Gateway checks as every
// other write path. It exists for operator tooling that wants to preview
// a side-effect before committing it.
package agentbridge

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"leadflow/internal/clock"
	"leadflow/internal/engineerr"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/platform/logger"
)

// ActionType enumerates the four declarative actions the bridge supports.
type ActionType string

const (
	ActionSendOutbound    ActionType = "send_outbound"
	ActionBookAppointment ActionType = "book_appointment"
	ActionSetOptOut       ActionType = "set_opt_out"
	ActionScheduleJob     ActionType = "schedule_job"
)

// Action is the declarative payload passed to dry_run/execute.
type Action struct {
	Type ActionType

	LeadID string

	// send_outbound
	Body string

	// book_appointment
	StartAt time.Time

	// set_opt_out
	Reason string

	// schedule_job
	JobType   string
	ExecuteAt time.Time
	Payload   string
}

// Outcome is dry_run's report of what would happen.
type Outcome struct {
	Allowed       bool
	BlockedReason string
	Warnings      []string
}

type Bridge struct {
	store *store.Store
	gw    *gateway.Gateway
	log   *logger.Logger
}

func New(s *store.Store, gw *gateway.Gateway, log *logger.Logger) *Bridge {
	return &Bridge{store: s, gw: gw, log: log}
}

func (b *Bridge) loadSchedule(ctx context.Context) (*clock.Schedule, error) {
	loc, err := b.store.GetLocation(ctx)
	if err != nil {
		return nil, err
	}
	return clock.ParseSchedule(loc.Timezone, loc.BusinessHoursJSON)
}

// DryRun runs the action's Gateway checks inside a transaction that is
// always rolled back, regardless of outcome, so no audit row or other
// write made during the run persists — it only reports what execute
// would do.
func (b *Bridge) DryRun(ctx context.Context, action Action, now time.Time) (Outcome, error) {
	schedule, err := b.loadSchedule(ctx)
	if err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	rollback := errors.New("dry run rollback")

	txErr := b.store.WithTx(ctx, "agent dry run", func(tx *sqlx.Tx) error {
		lead, err := b.store.GetLeadByIDTx(ctx, tx, action.LeadID)
		if err != nil {
			return err
		}

		_, runErr := b.apply(ctx, tx, lead, schedule, action, now)
		if engineerr.Is(runErr, engineerr.KindBlockedByGateway) {
			outcome = Outcome{Allowed: false, BlockedReason: engineerr.ReasonOf(runErr)}
		} else if runErr != nil {
			return runErr
		} else {
			outcome = Outcome{Allowed: true}
		}

		return rollback
	})

	if txErr != nil && !errors.Is(txErr, rollback) {
		return Outcome{}, txErr
	}
	return outcome, nil
}

// Execute runs the action through the real Gateway. It must produce
// identical block reasons to a DryRun performed at the same instant,
// barring a race with concurrent state changes.
func (b *Bridge) Execute(ctx context.Context, action Action, now time.Time) (Outcome, error) {
	schedule, err := b.loadSchedule(ctx)
	if err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	err = b.store.WithTx(ctx, "agent execute", func(tx *sqlx.Tx) error {
		lead, err := b.store.GetLeadByIDTx(ctx, tx, action.LeadID)
		if err != nil {
			return err
		}

		_, runErr := b.apply(ctx, tx, lead, schedule, action, now)
		if engineerr.Is(runErr, engineerr.KindBlockedByGateway) {
			outcome = Outcome{Allowed: false, BlockedReason: engineerr.ReasonOf(runErr)}
			return nil
		}
		if runErr != nil {
			return runErr
		}
		outcome = Outcome{Allowed: true}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// apply dispatches the action to the matching Gateway call. Both DryRun
// and Execute share this path so their block reasons cannot drift apart.
func (b *Bridge) apply(ctx context.Context, tx *sqlx.Tx, lead *store.Lead, schedule *clock.Schedule, action Action, now time.Time) (any, error) {
	switch action.Type {
	case ActionSendOutbound:
		conv, err := b.store.GetConversationByLeadIDTx(ctx, tx, lead.ID)
		if err != nil {
			return nil, err
		}
		return b.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now, action.Body, gateway.OutboundFlags{
			Automated: true,
		})
	case ActionBookAppointment:
		return b.gw.CreateAppointment(ctx, tx, lead, schedule, action.StartAt)
	case ActionSetOptOut:
		return nil, b.gw.SetOptOut(ctx, tx, lead, action.Reason)
	case ActionScheduleJob:
		var targetID *string
		if lead.ID != "" {
			targetID = &lead.ID
		}
		return b.gw.ScheduleJob(ctx, tx, action.JobType, targetID, action.ExecuteAt, action.Payload)
	default:
		return nil, engineerr.Validation("unknown action type")
	}
}
