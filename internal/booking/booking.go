// Package booking generates candidate appointment slots and commits a
// chosen slot through the Gateway, scheduling the appointment's reminder
// job in the same transaction.
package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"leadflow/internal/clock"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
)

const offerWindowDays = 3

// OfferedSlot is the JSON-serializable form of a candidate slot, persisted
// into Conversation.state_json while a lead is in awaiting_time_choice.
type OfferedSlot struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

// Offers is the payload shape stored for the awaiting_time_choice state.
type Offers struct {
	Slots []OfferedSlot `json:"slots"`
}

// GenerateOffers enumerates candidates across the next three business
// days and returns the earliest two distinct ones. Fewer than two means
// the caller must flag the lead for staff attention.
func GenerateOffers(now time.Time, schedule *clock.Schedule, existingForLead []clock.Slot) []OfferedSlot {
	candidates := schedule.EnumerateSlots(now, offerWindowDays, existingForLead)

	limit := 2
	if len(candidates) < limit {
		limit = len(candidates)
	}

	offers := make([]OfferedSlot, 0, limit)
	for _, c := range candidates[:limit] {
		offers = append(offers, OfferedSlot{
			StartAt: store.FormatTime(c.Start),
			EndAt:   store.FormatTime(c.End),
		})
	}
	return offers
}

// MarshalOffers serializes offers for Conversation.state_json.
func MarshalOffers(offers []OfferedSlot) string {
	payload, err := json.Marshal(Offers{Slots: offers})
	if err != nil {
		return `{"slots":[]}`
	}
	return string(payload)
}

// UnmarshalOffers parses Conversation.state_json back into the offered
// slots for the awaiting_time_choice state.
func UnmarshalOffers(stateJSON string) ([]OfferedSlot, error) {
	var payload Offers
	if stateJSON == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(stateJSON), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal offered slots: %w", err)
	}
	return payload.Slots, nil
}

const reminderLeadTime = 2 * time.Hour

// CommitBooking books the chosen slot through the Gateway, sends the
// confirmation outbound, and schedules the appointment's reminder.
// The confirmation is sent automated with AllowAfterReply, so a
// just-arrived inbound exempts it from the business-hours and min-gap
// checks.
func CommitBooking(
	ctx context.Context,
	tx *sqlx.Tx,
	gw *gateway.Gateway,
	lead *store.Lead,
	conv *store.Conversation,
	schedule *clock.Schedule,
	chosen OfferedSlot,
	now time.Time,
) (*store.Appointment, error) {
	startAt, err := store.ParseTime(chosen.StartAt)
	if err != nil {
		return nil, fmt.Errorf("parse chosen slot: %w", err)
	}

	appt, err := gw.CreateAppointment(ctx, tx, lead, schedule, startAt)
	if err != nil {
		return nil, err
	}

	confirmation := fmt.Sprintf("Booked for %s. See you then!", startAt.In(schedule.Location).Format("Mon Jan 2 3:04 PM"))
	if _, err := gw.CreateOutboundMessage(ctx, tx, lead, conv, schedule, now, confirmation, gateway.OutboundFlags{
		Automated:       true,
		AllowAfterReply: true,
	}); err != nil {
		return nil, err
	}

	reminderAt := startAt.Add(-reminderLeadTime)
	if _, err := gw.ScheduleJob(ctx, tx, store.JobTypeAppointmentReminder, &appt.ID, reminderAt, "{}"); err != nil {
		return nil, err
	}

	return appt, nil
}
