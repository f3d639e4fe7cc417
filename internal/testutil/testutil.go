// Package testutil provides an in-memory SQLite store for tests across
// the engine's domain packages, seeded with a location open every day of
// the week so tests don't have to fight business-hours edge cases unless
// they are specifically testing them.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"leadflow/platform/db"
	"leadflow/platform/logger"

	"leadflow/internal/store"
)

// AlwaysOpenHours covers every weekday with a 00:00-24:00 window, wide
// enough that tests can pick any instant without tripping IsOpen/NextOpen.
const AlwaysOpenHours = `{"0":[{"open":0,"close":1440}],"1":[{"open":0,"close":1440}],"2":[{"open":0,"close":1440}],"3":[{"open":0,"close":1440}],"4":[{"open":0,"close":1440}],"5":[{"open":0,"close":1440}],"6":[{"open":0,"close":1440}]}`

// NewStore opens a fresh in-memory SQLite database, applies every
// migration, seeds a singleton location, and returns a ready Store. Each
// call gets an isolated database.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	conn, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	if err := db.Migrate(conn.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logger.New("test")
	s := store.New(conn, log)

	if err := s.InsertLocation(context.Background(), &store.Location{
		ID:                uuid.NewString(),
		GymName:           "Test Gym",
		Timezone:          "America/New_York",
		BusinessHoursJSON: AlwaysOpenHours,
		CreatedAt:         store.FormatTime(time.Now()),
	}); err != nil {
		t.Fatalf("seed location: %v", err)
	}

	return s
}

// NewLead inserts a non-opted-out lead with the given consent flag and its
// conversation row, returning both.
func NewLead(t *testing.T, s *store.Store, phone string, consent bool) (*store.Lead, *store.Conversation) {
	t.Helper()
	ctx := context.Background()

	lead := &store.Lead{
		ID:        uuid.NewString(),
		PhoneE164: phone,
		Consent:   consent,
		Status:    store.LeadStatusAwaitingYes,
		CreatedAt: store.FormatTime(time.Now()),
	}
	if consent {
		now := store.FormatTime(time.Now())
		lead.ConsentAt = &now
	}
	if err := s.InsertLead(ctx, lead); err != nil {
		t.Fatalf("insert lead: %v", err)
	}

	conv := &store.Conversation{
		ID:        uuid.NewString(),
		LeadID:    lead.ID,
		State:     store.LeadStatusAwaitingYes,
		StateJSON: "{}",
		CreatedAt: store.FormatTime(time.Now()),
	}
	if err := s.InsertConversation(ctx, conv); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	return lead, conv
}
