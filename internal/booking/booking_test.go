package booking_test

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"leadflow/internal/audit"
	"leadflow/internal/booking"
	"leadflow/internal/clock"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/internal/testutil"
	"leadflow/platform/logger"
)

const sampleHours = `{"1":[{"open":540,"close":1080}],"2":[{"open":540,"close":1080}],"3":[{"open":540,"close":1080}],"4":[{"open":540,"close":1080}],"5":[{"open":540,"close":1080}]}`

func TestGenerateOffersReturnsEarliestTwoSlots(t *testing.T) {
	sched, err := clock.ParseSchedule("America/New_York", sampleHours)
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	// Wednesday 09:00, well inside business hours.
	now := time.Date(2024, 1, 3, 9, 0, 0, 0, sched.Location)

	offers := booking.GenerateOffers(now, sched, nil)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}

	start1, err := store.ParseTime(offers[0].StartAt)
	if err != nil {
		t.Fatalf("parse offer 0: %v", err)
	}
	start2, err := store.ParseTime(offers[1].StartAt)
	if err != nil {
		t.Fatalf("parse offer 1: %v", err)
	}
	if !start1.Before(start2) {
		t.Fatalf("expected offers in ascending order, got %v then %v", start1, start2)
	}
}

func TestMarshalUnmarshalOffersRoundTrip(t *testing.T) {
	offers := []booking.OfferedSlot{
		{StartAt: "2024-01-03T14:00:00Z", EndAt: "2024-01-03T14:30:00Z"},
		{StartAt: "2024-01-03T15:00:00Z", EndAt: "2024-01-03T15:30:00Z"},
	}

	blob := booking.MarshalOffers(offers)
	got, err := booking.UnmarshalOffers(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 || got[0].StartAt != offers[0].StartAt || got[1].EndAt != offers[1].EndAt {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestUnmarshalOffersEmptyStateIsNoOffers(t *testing.T) {
	got, err := booking.UnmarshalOffers("")
	if err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no offers for empty state, got %+v", got)
	}
}

func TestCommitBookingCreatesAppointmentConfirmationAndReminder(t *testing.T) {
	s := testutil.NewStore(t)
	gw := gateway.New(s, audit.New(s), logger.New("test"))
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)

	now := time.Now()
	sched, err := clock.ParseSchedule("America/New_York", testutil.AlwaysOpenHours)
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	chosen := booking.OfferedSlot{
		StartAt: store.FormatTime(now.Add(24 * time.Hour)),
		EndAt:   store.FormatTime(now.Add(24*time.Hour + 30*time.Minute)),
	}

	var appt *store.Appointment
	err = s.WithTx(t.Context(), "test commit booking", func(tx *sqlx.Tx) error {
		a, err := booking.CommitBooking(t.Context(), tx, gw, lead, conv, sched, chosen, now)
		appt = a
		return err
	})
	if err != nil {
		t.Fatalf("commit booking: %v", err)
	}
	if appt == nil || appt.Status != store.AppointmentStatusBooked {
		t.Fatalf("expected a booked appointment, got %+v", appt)
	}

	msgs, err := s.ListMessages(t.Context(), conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Direction != store.DirectionOutbound {
		t.Fatalf("expected one outbound confirmation message, got %+v", msgs)
	}

	due, err := s.ListPendingJobsDue(t.Context(), now.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("list due jobs: %v", err)
	}
	found := false
	for _, job := range due {
		if job.JobType == store.JobTypeAppointmentReminder && job.TargetID != nil && *job.TargetID == appt.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a reminder job scheduled for the new appointment")
	}
}
