package gateway_test

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/internal/testutil"
)

// TestGatewayWritesLeaveAuditRows asserts the convention documented atop
// gateway_writes.go: every mutating Gateway call leaves a matching
// audit_log row, whether the attempt succeeded or was blocked.
func TestGatewayWritesLeaveAuditRows(t *testing.T) {
	gw, s, sched := newGateway(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)

	before, err := s.ListAuditLog(t.Context(), 1000)
	if err != nil {
		t.Fatalf("list audit log before: %v", err)
	}

	now := time.Now()
	err = s.WithTx(t.Context(), "test", func(tx *sqlx.Tx) error {
		_, err := gw.CreateOutboundMessage(t.Context(), tx, lead, conv, sched, now, "hi", gateway.OutboundFlags{Automated: true})
		return err
	})
	if err != nil {
		t.Fatalf("create outbound message: %v", err)
	}

	err = s.WithTx(t.Context(), "test", func(tx *sqlx.Tx) error {
		_, err := gw.CreateAppointment(t.Context(), tx, lead, sched, now.Add(48*time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}

	err = s.WithTx(t.Context(), "test", func(tx *sqlx.Tx) error {
		_, err := gw.ScheduleJob(t.Context(), tx, store.JobTypeSafeReprompt, &lead.ID, now.Add(time.Hour), "{}")
		return err
	})
	if err != nil {
		t.Fatalf("schedule job: %v", err)
	}

	err = s.WithTx(t.Context(), "test", func(tx *sqlx.Tx) error {
		return gw.SetOptOut(t.Context(), tx, lead, "test_reason")
	})
	if err != nil {
		t.Fatalf("set opt out: %v", err)
	}

	after, err := s.ListAuditLog(t.Context(), 1000)
	if err != nil {
		t.Fatalf("list audit log after: %v", err)
	}

	// Every one of the four Gateway calls above must have appended its own
	// audit row; a silent write would leave the count short.
	if len(after)-len(before) < 4 {
		t.Fatalf("expected at least 4 new audit rows for 4 gateway writes, got %d", len(after)-len(before))
	}

	wantActions := map[string]bool{
		"create_outbound_message": false,
		"create_appointment":      false,
		"schedule_job":            false,
		"set_opt_out":             false,
	}
	for _, entry := range after {
		if _, ok := wantActions[entry.ActionType]; ok {
			wantActions[entry.ActionType] = true
		}
	}
	for action, seen := range wantActions {
		if !seen {
			t.Fatalf("expected an audit row for action_type=%s", action)
		}
	}
}

// TestGatewayBlockedWriteStillLeavesAuditRow covers the blocked-attempt
// half of the same boundary: a precondition failure must still produce
// an audit row, just with success=false.
func TestGatewayBlockedWriteStillLeavesAuditRow(t *testing.T) {
	gw, s, sched := newGateway(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", false)
	now := time.Now()

	err := s.WithTx(t.Context(), "test", func(tx *sqlx.Tx) error {
		_, err := gw.CreateOutboundMessage(t.Context(), tx, lead, conv, sched, now, "hi", gateway.OutboundFlags{Automated: true})
		return err
	})
	if err == nil {
		t.Fatalf("expected the send to be blocked for a non-consenting lead")
	}

	entries, err := s.ListAuditLog(t.Context(), 1000)
	if err != nil {
		t.Fatalf("list audit log: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.ActionType == "create_outbound_message" && !e.Success {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a success=false audit row for the blocked send")
	}
}
