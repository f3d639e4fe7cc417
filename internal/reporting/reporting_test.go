package reporting_test

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"leadflow/internal/audit"
	"leadflow/internal/clock"
	"leadflow/internal/gateway"
	"leadflow/internal/reporting"
	"leadflow/internal/testutil"
	"leadflow/platform/logger"
)

func TestGetTodayReportCountsTodaysActivity(t *testing.T) {
	s := testutil.NewStore(t)
	gw := gateway.New(s, audit.New(s), logger.New("test"))
	rep := reporting.New(s)
	now := time.Now()

	sched, err := clock.ParseSchedule("America/New_York", testutil.AlwaysOpenHours)
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}

	lead, conv := testutil.NewLead(t, s, "+15551234567", true)

	err = s.WithTx(t.Context(), "test", func(tx *sqlx.Tx) error {
		_, err := gw.CreateOutboundMessage(t.Context(), tx, lead, conv, sched, now, "hi", gateway.OutboundFlags{Automated: true})
		return err
	})
	if err != nil {
		t.Fatalf("send outbound: %v", err)
	}

	err = s.WithTx(t.Context(), "test", func(tx *sqlx.Tx) error {
		_, err := gw.CreateAppointment(t.Context(), tx, lead, sched, now.Add(48*time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}

	report, err := rep.GetTodayReport(t.Context(), now)
	if err != nil {
		t.Fatalf("get today report: %v", err)
	}

	if report.LeadsCreated != 1 {
		t.Fatalf("expected 1 lead created today, got %d", report.LeadsCreated)
	}
	if report.Contacted != 1 {
		t.Fatalf("expected 1 lead contacted today, got %d", report.Contacted)
	}
	if report.Booked != 1 {
		t.Fatalf("expected 1 booking today, got %d", report.Booked)
	}
}
