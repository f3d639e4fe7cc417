package agentbridge_test

import (
	"testing"
	"time"

	"leadflow/internal/agentbridge"
	"leadflow/internal/audit"
	"leadflow/internal/gateway"
	"leadflow/internal/store"
	"leadflow/internal/testutil"
	"leadflow/platform/logger"
)

func newBridge(t *testing.T) (*agentbridge.Bridge, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	gw := gateway.New(s, audit.New(s), logger.New("test"))
	return agentbridge.New(s, gw, logger.New("test")), s
}

func TestDryRunLeavesStateUnchanged(t *testing.T) {
	b, s := newBridge(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)
	now := time.Now()

	before, err := s.ListMessages(t.Context(), conv.ID)
	if err != nil {
		t.Fatalf("list messages before: %v", err)
	}

	outcome, err := b.DryRun(t.Context(), agentbridge.Action{
		Type:   agentbridge.ActionSendOutbound,
		LeadID: lead.ID,
		Body:   "hello from dry run",
	}, now)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !outcome.Allowed {
		t.Fatalf("expected dry run to report allowed, got %+v", outcome)
	}

	after, err := s.ListMessages(t.Context(), conv.ID)
	if err != nil {
		t.Fatalf("list messages after: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected dry run to leave messages unchanged, before=%d after=%d", len(before), len(after))
	}
}

func TestDryRunReportsBlockedReasonWithoutSideEffects(t *testing.T) {
	b, s := newBridge(t)
	lead, _ := testutil.NewLead(t, s, "+15551234567", false)
	now := time.Now()

	outcome, err := b.DryRun(t.Context(), agentbridge.Action{
		Type:   agentbridge.ActionSendOutbound,
		LeadID: lead.ID,
		Body:   "hello",
	}, now)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if outcome.Allowed {
		t.Fatalf("expected dry run to be blocked for a non-consenting lead")
	}
	if outcome.BlockedReason != "no_consent" {
		t.Fatalf("expected reason no_consent, got %q", outcome.BlockedReason)
	}
}

func TestExecuteMatchesDryRunBlockReason(t *testing.T) {
	b, s := newBridge(t)
	lead, _ := testutil.NewLead(t, s, "+15551234567", false)
	now := time.Now()

	action := agentbridge.Action{
		Type:   agentbridge.ActionSendOutbound,
		LeadID: lead.ID,
		Body:   "hello",
	}

	dry, err := b.DryRun(t.Context(), action, now)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}

	exec, err := b.Execute(t.Context(), action, now)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if dry.Allowed != exec.Allowed || dry.BlockedReason != exec.BlockedReason {
		t.Fatalf("expected dry run and execute to agree: dry=%+v exec=%+v", dry, exec)
	}
}

func TestExecuteSendOutboundActuallySends(t *testing.T) {
	b, s := newBridge(t)
	lead, conv := testutil.NewLead(t, s, "+15551234567", true)
	now := time.Now()

	outcome, err := b.Execute(t.Context(), agentbridge.Action{
		Type:   agentbridge.ActionSendOutbound,
		LeadID: lead.ID,
		Body:   "hello from execute",
	}, now)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Allowed {
		t.Fatalf("expected execute to succeed, got %+v", outcome)
	}

	msgs, err := s.ListMessages(t.Context(), conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message after execute, got %d", len(msgs))
	}
}
