// Package conversation drives each lead's per-conversation finite
// automaton: inbound messages and fired jobs are the only two event
// sources, and every transition that produces an outbound goes through
// the Gateway.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leadflow/internal/booking"
	"leadflow/internal/clock"
	"leadflow/internal/engineerr"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/platform/logger"
)

const staleOutboundWindow = 24 * time.Hour
const repairAttemptsCap = 2

var optOutKeywords = map[string]bool{
	"STOP": true, "UNSUBSCRIBE": true, "STOPALL": true, "CANCEL": true, "END": true, "QUIT": true,
}

const consentKeyword = "YES"

// Engine wires the store and Gateway together to evaluate and apply
// conversation transitions.
type Engine struct {
	store *store.Store
	gw    *gateway.Gateway
	log   *logger.Logger
}

func New(s *store.Store, gw *gateway.Gateway, log *logger.Logger) *Engine {
	return &Engine{store: s, gw: gw, log: log}
}

// loadSchedule fetches the singleton location and parses its business
// hours fresh on every call — the PoC scale doesn't warrant caching.
func (e *Engine) loadSchedule(ctx context.Context) (*clock.Schedule, error) {
	loc, err := e.store.GetLocation(ctx)
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	return clock.ParseSchedule(loc.Timezone, loc.BusinessHoursJSON)
}

// normalize trims and uppercases an inbound body for keyword matching.
func normalize(body string) string {
	return strings.ToUpper(strings.TrimSpace(body))
}

// HandleInbound records the inbound message and advances the
// conversation's state machine, all inside one Store transaction per
// spec §4.3's atomicity requirement.
func (e *Engine) HandleInbound(ctx context.Context, leadID, body string, now time.Time) error {
	schedule, err := e.loadSchedule(ctx)
	if err != nil {
		return err
	}

	return e.store.WithTx(ctx, "handle inbound", func(tx *sqlx.Tx) error {
		lead, err := e.store.GetLeadByIDTx(ctx, tx, leadID)
		if err != nil {
			return err
		}
		conv, err := e.store.GetConversationByLeadIDTx(ctx, tx, leadID)
		if err != nil {
			return err
		}

		inboundCreatedAt := store.FormatTime(now)
		if err := e.store.InsertMessage(ctx, tx, &store.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Direction:      store.DirectionInbound,
			Body:           body,
			Status:         store.MessageStatusReceived,
			CreatedAt:      inboundCreatedAt,
		}); err != nil {
			return err
		}
		conv.LastInboundAt = &inboundCreatedAt

		normalized := normalize(body)

		if optOutKeywords[normalized] {
			return e.applyOptOut(ctx, tx, lead, conv, schedule, now)
		}

		interpretingReply := lead.Status == store.LeadStatusAwaitingYes || lead.Status == store.LeadStatusAwaitingTimeChoice
		if interpretingReply && e.isStale(conv, now) {
			return e.applyStaleReset(ctx, tx, lead, conv, schedule, now)
		}

		switch lead.Status {
		case store.LeadStatusAwaitingYes:
			return e.handleAwaitingYes(ctx, tx, lead, conv, schedule, normalized, now)
		case store.LeadStatusAwaitingTimeChoice:
			return e.handleAwaitingTimeChoice(ctx, tx, lead, conv, schedule, normalized, now)
		default:
			// booked, opted_out, needs_staff: silence on any non-opt-out inbound.
			return e.store.UpdateConversation(ctx, tx, conv)
		}
	})
}

// isStale implements the 24h stale-inbound rule from spec §4.3.
func (e *Engine) isStale(conv *store.Conversation, now time.Time) bool {
	if conv.LastOutboundAt == nil {
		return false
	}
	lastOutbound, err := store.ParseTime(*conv.LastOutboundAt)
	if err != nil {
		return false
	}
	return now.Sub(lastOutbound) > staleOutboundWindow
}

// applyStaleReset resets the conversation to awaiting_yes and responds
// with the safe prompt, short-circuiting normal interpretation of the
// inbound body entirely — a late reply must never be read as a slot
// choice once the 24h window has elapsed (spec §4.3).
func (e *Engine) applyStaleReset(ctx context.Context, tx *sqlx.Tx, lead *store.Lead, conv *store.Conversation, schedule *clock.Schedule, now time.Time) error {
	conv.State = store.LeadStatusAwaitingYes
	conv.StateJSON = "{}"
	conv.RepairAttempts = 0
	lead.Status = store.LeadStatusAwaitingYes

	if err := e.store.UpdateLeadStatus(ctx, tx, lead); err != nil {
		return err
	}
	if err := e.store.UpdateConversation(ctx, tx, conv); err != nil {
		return err
	}

	_, err := e.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now,
		"Reply YES to book your free session, or STOP to opt out.",
		gateway.OutboundFlags{Automated: true, AllowAfterReply: true})
	return err
}

func (e *Engine) applyOptOut(ctx context.Context, tx *sqlx.Tx, lead *store.Lead, conv *store.Conversation, schedule *clock.Schedule, now time.Time) error {
	alreadyOptedOut := lead.OptedOut

	if err := e.gw.SetOptOut(ctx, tx, lead, "inbound_keyword"); err != nil {
		return err
	}
	conv.State = store.LeadStatusOptedOut
	if err := e.store.UpdateConversation(ctx, tx, conv); err != nil {
		return err
	}

	if alreadyOptedOut {
		// Idempotent: a second STOP flips nothing further and sends no
		// additional confirmation (spec §8 round-trip law).
		return nil
	}

	_, err := e.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now,
		"You've been unsubscribed and won't receive further messages.",
		gateway.OutboundFlags{Automated: true, AllowOptedOutOnce: true, IgnoreBusinessHours: true})
	if engineerr.Is(err, engineerr.KindBlockedByGateway) {
		return nil
	}
	return err
}

func (e *Engine) handleAwaitingYes(ctx context.Context, tx *sqlx.Tx, lead *store.Lead, conv *store.Conversation, schedule *clock.Schedule, normalized string, now time.Time) error {
	if normalized == consentKeyword {
		existing, err := e.bookedSlotsForLead(ctx, tx, lead.ID)
		if err != nil {
			return err
		}
		offers := booking.GenerateOffers(now, schedule, existing)

		conv.State = store.LeadStatusAwaitingTimeChoice
		conv.StateJSON = booking.MarshalOffers(offers)
		lead.Status = store.LeadStatusAwaitingTimeChoice

		if len(offers) < 2 {
			lead.NeedsStaffAttention = true
		}

		if err := e.store.UpdateLeadStatus(ctx, tx, lead); err != nil {
			return err
		}
		if err := e.store.UpdateConversation(ctx, tx, conv); err != nil {
			return err
		}

		body := formatOffers(offers, schedule)
		_, err = e.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now, body, gateway.OutboundFlags{
			Automated:       true,
			AllowAfterReply: true,
		})
		return err
	}

	// Any other reply: clarification prompt, stay in awaiting_yes.
	if err := e.store.UpdateConversation(ctx, tx, conv); err != nil {
		return err
	}
	_, err := e.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now,
		"Reply YES to book your free session, or STOP to opt out.",
		gateway.OutboundFlags{Automated: true, AllowAfterReply: true})
	return err
}

func (e *Engine) handleAwaitingTimeChoice(ctx context.Context, tx *sqlx.Tx, lead *store.Lead, conv *store.Conversation, schedule *clock.Schedule, normalized string, now time.Time) error {
	offers, err := booking.UnmarshalOffers(conv.StateJSON)
	if err != nil {
		return err
	}

	var chosenIdx = -1
	switch normalized {
	case "1":
		chosenIdx = 0
	case "2":
		chosenIdx = 1
	}

	if chosenIdx >= 0 && chosenIdx < len(offers) {
		if err := e.store.UpdateConversation(ctx, tx, conv); err != nil {
			return err
		}
		appt, err := booking.CommitBooking(ctx, tx, e.gw, lead, conv, schedule, offers[chosenIdx], now)
		if err != nil {
			return err
		}
		lead.Status = store.LeadStatusBooked
		conv.State = store.LeadStatusBooked
		conv.StateJSON = "{}"
		if err := e.store.UpdateLeadStatus(ctx, tx, lead); err != nil {
			return err
		}
		_ = appt
		return e.store.UpdateConversation(ctx, tx, conv)
	}

	conv.RepairAttempts++
	if conv.RepairAttempts >= repairAttemptsCap {
		lead.NeedsStaffAttention = true
		lead.Status = store.LeadStatusNeedsStaff
		conv.State = store.LeadStatusNeedsStaff
		if err := e.store.UpdateLeadStatus(ctx, tx, lead); err != nil {
			return err
		}
		if err := e.store.UpdateConversation(ctx, tx, conv); err != nil {
			return err
		}
		_, err := e.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now,
			"Thanks — a staff member will follow up with you directly to find a time.",
			gateway.OutboundFlags{Automated: true, AllowAfterReply: true})
		return err
	}

	if err := e.store.UpdateConversation(ctx, tx, conv); err != nil {
		return err
	}
	body := "Sorry, I didn't catch that. " + formatOffers(offers, schedule) + " Reply 1 or 2."
	_, err = e.gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now, body, gateway.OutboundFlags{
		Automated:       true,
		AllowAfterReply: true,
	})
	return err
}

// bookedSlotsForLead returns this lead's existing booked appointments as
// clock.Slot values, for the booking engine's overlap-avoidance pass.
func (e *Engine) bookedSlotsForLead(ctx context.Context, tx *sqlx.Tx, leadID string) ([]clock.Slot, error) {
	appts, err := e.store.GetAppointmentsForLeadTx(ctx, tx, leadID)
	if err != nil {
		return nil, err
	}
	slots := make([]clock.Slot, 0, len(appts))
	for _, a := range appts {
		start, err := store.ParseTime(a.StartAt)
		if err != nil {
			return nil, err
		}
		end, err := store.ParseTime(a.EndAt)
		if err != nil {
			return nil, err
		}
		slots = append(slots, clock.Slot{Start: start, End: end})
	}
	return slots, nil
}

func formatOffers(offers []booking.OfferedSlot, schedule *clock.Schedule) string {
	if len(offers) == 0 {
		return "We don't have any open times right now — a staff member will reach out."
	}
	var b strings.Builder
	b.WriteString("Here are two times that work: ")
	for i, o := range offers {
		start, err := store.ParseTime(o.StartAt)
		if err != nil {
			continue
		}
		if i > 0 {
			b.WriteString(" or ")
		}
		label := start.Format("Mon Jan 2 3:04 PM")
		if schedule != nil {
			label = start.In(schedule.Location).Format("Mon Jan 2 3:04 PM")
		}
		fmt.Fprintf(&b, "(%d) %s", i+1, label)
	}
	b.WriteString(". Reply 1 or 2.")
	return b.String()
}
