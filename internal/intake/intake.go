// Package intake creates leads, deduplicating within a rolling 30-day
// window and kicking off the first scheduled job for consenting leads.
package intake

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leadflow/internal/clock"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/platform/logger"
	"leadflow/platform/phone"
)

const dedupWindow = 30 * 24 * time.Hour

// CreateLeadInput is the caller-supplied payload for create_lead.
type CreateLeadInput struct {
	PhoneE164     string
	FirstName     *string
	LastName      *string
	Consent       bool
	ConsentSource *string
}

// CreateLeadResult mirrors spec §4.6's return shape.
type CreateLeadResult struct {
	Created     bool
	LeadID      string
	DuplicateOf string
	Note        string
}

type Intake struct {
	store *store.Store
	gw    *gateway.Gateway
	log   *logger.Logger
}

func New(s *store.Store, gw *gateway.Gateway, log *logger.Logger) *Intake {
	return &Intake{store: s, gw: gw, log: log}
}

func (ik *Intake) loadSchedule(ctx context.Context) (*clock.Schedule, error) {
	loc, err := ik.store.GetLocation(ctx)
	if err != nil {
		return nil, err
	}
	return clock.ParseSchedule(loc.Timezone, loc.BusinessHoursJSON)
}

// CreateLead implements spec §4.6: dedup within 30 days, otherwise insert
// a new Lead + Conversation and, if consented, schedule the initial
// follow-up.
func (ik *Intake) CreateLead(ctx context.Context, input CreateLeadInput, now time.Time) (CreateLeadResult, error) {
	normalizedPhone := phone.NormalizeE164(input.PhoneE164)

	existing, err := ik.store.FindRecentLeadByPhone(ctx, normalizedPhone, now.Add(-dedupWindow))
	switch {
	case err == nil:
		if err := ik.auditDuplicate(ctx, existing.ID); err != nil {
			return CreateLeadResult{}, err
		}
		return CreateLeadResult{
			Created:     false,
			LeadID:      existing.ID,
			DuplicateOf: existing.ID,
			Note:        "duplicate within 30d",
		}, nil
	case errors.Is(err, sql.ErrNoRows):
		// Not a duplicate; fall through to creation.
	default:
		return CreateLeadResult{}, err
	}

	schedule, err := ik.loadSchedule(ctx)
	if err != nil {
		return CreateLeadResult{}, err
	}

	leadID := uuid.NewString()
	var consentAt *string
	if input.Consent {
		s := store.FormatTime(now)
		consentAt = &s
	}

	lead := &store.Lead{
		ID:            leadID,
		PhoneE164:     normalizedPhone,
		FirstName:     input.FirstName,
		LastName:      input.LastName,
		Consent:       input.Consent,
		ConsentAt:     consentAt,
		ConsentSource: input.ConsentSource,
		Status:        store.LeadStatusAwaitingYes,
		CreatedAt:     store.FormatTime(now),
	}

	err = ik.store.WithTx(ctx, "create lead", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leads
				(id, phone_e164, first_name, last_name, consent, consent_at, consent_source,
				 status, opted_out, needs_staff_attention, last_contact_at, next_action_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lead.ID, lead.PhoneE164, lead.FirstName, lead.LastName, lead.Consent, lead.ConsentAt, lead.ConsentSource,
			lead.Status, lead.OptedOut, lead.NeedsStaffAttention, lead.LastContactAt, lead.NextActionAt, lead.CreatedAt,
		); err != nil {
			return err
		}

		conv := &store.Conversation{
			ID:             uuid.NewString(),
			LeadID:         leadID,
			State:          store.LeadStatusAwaitingYes,
			StateJSON:      "{}",
			RepairAttempts: 0,
			CreatedAt:      store.FormatTime(now),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, lead_id, state, state_json, last_inbound_at, last_outbound_at, repair_attempts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.LeadID, conv.State, conv.StateJSON, conv.LastInboundAt, conv.LastOutboundAt, conv.RepairAttempts, conv.CreatedAt,
		); err != nil {
			return err
		}

		if input.Consent {
			var executeAt time.Time
			if schedule.IsOpen(now) {
				executeAt = now.Add(60 * time.Second)
			} else {
				executeAt = schedule.NextOpen(now)
			}
			if _, err := ik.gw.ScheduleJob(ctx, tx, store.JobTypeInitialFollowUp, &leadID, executeAt, "{}"); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return CreateLeadResult{}, err
	}

	return CreateLeadResult{Created: true, LeadID: leadID}, nil
}

func (ik *Intake) auditDuplicate(ctx context.Context, existingLeadID string) error {
	return ik.store.WithTx(ctx, "audit duplicate lead", func(tx *sqlx.Tx) error {
		return ik.store.InsertAuditEntry(ctx, tx, &store.AuditEntry{
			ID:          uuid.NewString(),
			ActionType:  "create_lead",
			TargetType:  "lead",
			TargetID:    &existingLeadID,
			RequestJSON: `{}`,
			Success:     true,
			CreatedAt:   store.FormatTime(time.Now()),
		})
	})
}
