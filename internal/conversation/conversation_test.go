package conversation_test

import (
	"context"
	"testing"
	"time"

	"leadflow/internal/audit"
	"leadflow/internal/conversation"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/internal/testutil"
	"leadflow/platform/logger"
)

func newEngine(t *testing.T) (*conversation.Engine, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	gw := gateway.New(s, audit.New(s), logger.New("test"))
	return conversation.New(s, gw, logger.New("test")), s
}

func TestHandleInboundYesMovesToAwaitingTimeChoice(t *testing.T) {
	engine, s := newEngine(t)
	lead, _ := testutil.NewLead(t, s, "+15551234567", true)
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, lead.ID, "YES", time.Now()); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	got, err := s.GetLeadByID(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if got.Status != store.LeadStatusAwaitingTimeChoice {
		t.Fatalf("expected status %s, got %s", store.LeadStatusAwaitingTimeChoice, got.Status)
	}
}

func TestHandleInboundOptOutIsIdempotent(t *testing.T) {
	engine, s := newEngine(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)
	ctx := context.Background()

	if err := engine.HandleInbound(ctx, lead.ID, "STOP", time.Now()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	firstMessages, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}

	if err := engine.HandleInbound(ctx, lead.ID, "STOP", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	secondMessages, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}

	// The second STOP adds its own inbound row but must not add a second
	// outbound confirmation — the round-trip law from spec §8.
	outboundBefore, outboundAfter := 0, 0
	for _, m := range firstMessages {
		if m.Direction == store.DirectionOutbound {
			outboundBefore++
		}
	}
	for _, m := range secondMessages {
		if m.Direction == store.DirectionOutbound {
			outboundAfter++
		}
	}
	if outboundAfter != outboundBefore {
		t.Fatalf("expected no additional outbound confirmation on repeat opt-out, before=%d after=%d", outboundBefore, outboundAfter)
	}

	got, err := s.GetLeadByID(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if !got.OptedOut {
		t.Fatalf("expected lead to remain opted out")
	}
}

func TestHandleInboundStaleReplyResetsBothLeadAndConversation(t *testing.T) {
	engine, s := newEngine(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)
	ctx := context.Background()

	now := time.Now()

	// Move the lead into awaiting_time_choice with a last_outbound_at far
	// enough in the past to be stale, the way a real YES -> offer flow
	// would, without depending on the offer-generation internals.
	lead.Status = store.LeadStatusAwaitingTimeChoice
	if err := s.UpdateLeadStatus(ctx, nil, lead); err != nil {
		t.Fatalf("update lead: %v", err)
	}
	staleOutbound := store.FormatTime(now.Add(-48 * time.Hour))
	conv.State = store.LeadStatusAwaitingTimeChoice
	conv.StateJSON = `{"slots":[{"start_at":"x","end_at":"y"},{"start_at":"x2","end_at":"y2"}]}`
	conv.LastOutboundAt = &staleOutbound
	if err := s.UpdateConversation(ctx, nil, conv); err != nil {
		t.Fatalf("update conversation: %v", err)
	}

	// A late "1" must not be interpreted as a slot choice once stale.
	if err := engine.HandleInbound(ctx, lead.ID, "1", now); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	gotLead, err := s.GetLeadByID(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if gotLead.Status != store.LeadStatusAwaitingYes {
		t.Fatalf("expected lead.Status reset to awaiting_yes, got %s", gotLead.Status)
	}

	gotConv, err := s.GetConversationByLeadID(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if gotConv.State != store.LeadStatusAwaitingYes {
		t.Fatalf("expected conversation.State reset to awaiting_yes, got %s", gotConv.State)
	}

	// No appointment should have been booked from the stale "1".
	if _, err := s.GetAppointmentByLeadID(ctx, lead.ID); err == nil {
		t.Fatalf("expected no appointment to be booked from a stale slot choice")
	}
}

func TestHandleInboundUnrecognizedTimeChoiceIncrementsRepairAttempts(t *testing.T) {
	engine, s := newEngine(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)
	ctx := context.Background()
	now := time.Now()

	lead.Status = store.LeadStatusAwaitingTimeChoice
	if err := s.UpdateLeadStatus(ctx, nil, lead); err != nil {
		t.Fatalf("update lead: %v", err)
	}
	conv.State = store.LeadStatusAwaitingTimeChoice
	conv.StateJSON = `{"slots":[{"start_at":"2024-01-03T14:00:00Z","end_at":"2024-01-03T14:30:00Z"},{"start_at":"2024-01-03T15:00:00Z","end_at":"2024-01-03T15:30:00Z"}]}`
	recent := store.FormatTime(now.Add(-time.Minute))
	conv.LastOutboundAt = &recent
	if err := s.UpdateConversation(ctx, nil, conv); err != nil {
		t.Fatalf("update conversation: %v", err)
	}

	if err := engine.HandleInbound(ctx, lead.ID, "banana", now); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	gotConv, err := s.GetConversationByLeadID(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if gotConv.RepairAttempts != 1 {
		t.Fatalf("expected repair_attempts=1, got %d", gotConv.RepairAttempts)
	}
	if gotConv.State != store.LeadStatusAwaitingTimeChoice {
		t.Fatalf("expected conversation to remain in awaiting_time_choice, got %s", gotConv.State)
	}
}

func TestHandleInboundRepairAttemptsCapEscalatesToNeedsStaff(t *testing.T) {
	engine, s := newEngine(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)
	ctx := context.Background()
	now := time.Now()

	lead.Status = store.LeadStatusAwaitingTimeChoice
	if err := s.UpdateLeadStatus(ctx, nil, lead); err != nil {
		t.Fatalf("update lead: %v", err)
	}
	conv.State = store.LeadStatusAwaitingTimeChoice
	conv.StateJSON = `{"slots":[{"start_at":"2024-01-03T14:00:00Z","end_at":"2024-01-03T14:30:00Z"},{"start_at":"2024-01-03T15:00:00Z","end_at":"2024-01-03T15:30:00Z"}]}`
	recent := store.FormatTime(now.Add(-time.Minute))
	conv.LastOutboundAt = &recent
	if err := s.UpdateConversation(ctx, nil, conv); err != nil {
		t.Fatalf("update conversation: %v", err)
	}

	// Two unrecognized replies in a row should hit the repair cap.
	if err := engine.HandleInbound(ctx, lead.ID, "banana", now); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if err := engine.HandleInbound(ctx, lead.ID, "still banana", now.Add(time.Minute)); err != nil {
		t.Fatalf("second reply: %v", err)
	}

	gotLead, err := s.GetLeadByID(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if gotLead.Status != store.LeadStatusNeedsStaff {
		t.Fatalf("expected lead.Status=needs_staff after repair cap, got %s", gotLead.Status)
	}
	if !gotLead.NeedsStaffAttention {
		t.Fatalf("expected needs_staff_attention=true")
	}
}
