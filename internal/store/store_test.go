package store_test

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leadflow/internal/store"
	"leadflow/internal/testutil"
)

func TestClaimJobIsAtomicAcrossConcurrentDrains(t *testing.T) {
	s := testutil.NewStore(t)
	jobID := uuid.NewString()
	targetID := uuid.NewString()
	err := s.InsertScheduledJob(t.Context(), nil, &store.ScheduledJob{
		ID:          jobID,
		JobType:     store.JobTypeSafeReprompt,
		TargetID:    &targetID,
		ExecuteAt:   store.FormatTime(time.Now()),
		Status:      store.JobStatusPending,
		PayloadJSON: "{}",
		CreatedAt:   store.FormatTime(time.Now()),
	})
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}

	var firstClaim, secondClaim bool
	err = s.WithTx(t.Context(), "claim 1", func(tx *sqlx.Tx) error {
		claimed, err := s.ClaimJob(t.Context(), tx, jobID)
		firstClaim = claimed
		return err
	})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	err = s.WithTx(t.Context(), "claim 2", func(tx *sqlx.Tx) error {
		claimed, err := s.ClaimJob(t.Context(), tx, jobID)
		secondClaim = claimed
		return err
	})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}

	if !firstClaim {
		t.Fatalf("expected the first claim to succeed")
	}
	if secondClaim {
		t.Fatalf("expected the second claim on an already-claimed job to fail")
	}
}

func TestFindRecentLeadByPhoneRespects30DayWindow(t *testing.T) {
	s := testutil.NewStore(t)
	now := time.Now()
	lead, _ := testutil.NewLead(t, s, "+15550001111", true)
	_ = lead

	within, err := s.FindRecentLeadByPhone(t.Context(), "+15550001111", now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("expected a match within the 30-day window: %v", err)
	}
	if within.PhoneE164 != "+15550001111" {
		t.Fatalf("expected matching phone, got %s", within.PhoneE164)
	}

	_, err = s.FindRecentLeadByPhone(t.Context(), "+15550001111", now.Add(24*time.Hour))
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for a since-window after the lead was created, got %v", err)
	}
}

func TestWipeAllDataLeavesLocationsIntact(t *testing.T) {
	s := testutil.NewStore(t)
	testutil.NewLead(t, s, "+15550002222", true)

	locBefore, err := s.GetLocation(t.Context())
	if err != nil {
		t.Fatalf("get location before wipe: %v", err)
	}

	if err := s.WipeAllData(t.Context()); err != nil {
		t.Fatalf("wipe all data: %v", err)
	}

	leads, err := s.ListLeads(t.Context())
	if err != nil {
		t.Fatalf("list leads after wipe: %v", err)
	}
	if len(leads) != 0 {
		t.Fatalf("expected no leads after wipe, got %d", len(leads))
	}

	locAfter, err := s.GetLocation(t.Context())
	if err != nil {
		t.Fatalf("get location after wipe: %v", err)
	}
	if locAfter.ID != locBefore.ID {
		t.Fatalf("expected the location row to survive a wipe unchanged")
	}
}
