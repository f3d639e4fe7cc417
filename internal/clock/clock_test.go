package clock

import (
	"testing"
	"time"
)

const sampleHours = `{"1":[{"open":540,"close":1080}],"2":[{"open":540,"close":1080}],"3":[{"open":540,"close":1080}],"4":[{"open":540,"close":1080}],"5":[{"open":540,"close":1080}]}`

func mustSchedule(t *testing.T) *Schedule {
	t.Helper()
	s, err := ParseSchedule("America/New_York", sampleHours)
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	return s
}

func TestIsOpenWithinInterval(t *testing.T) {
	s := mustSchedule(t)
	// Wednesday 2024-01-03 10:00 local.
	open := time.Date(2024, 1, 3, 10, 0, 0, 0, s.Location)
	if !s.IsOpen(open) {
		t.Fatalf("expected open at %v", open)
	}
}

func TestIsOpenOutsideInterval(t *testing.T) {
	s := mustSchedule(t)
	closed := time.Date(2024, 1, 3, 20, 0, 0, 0, s.Location)
	if s.IsOpen(closed) {
		t.Fatalf("expected closed at %v", closed)
	}
}

func TestIsOpenOnNonBusinessDay(t *testing.T) {
	s := mustSchedule(t)
	// 2024-01-06 is a Saturday, not in sampleHours.
	sat := time.Date(2024, 1, 6, 10, 0, 0, 0, s.Location)
	if s.IsOpen(sat) {
		t.Fatalf("expected closed on Saturday")
	}
}

func TestNextOpenSameDayWhenAlreadyOpen(t *testing.T) {
	s := mustSchedule(t)
	now := time.Date(2024, 1, 3, 10, 0, 0, 0, s.Location)
	next := s.NextOpen(now)
	if !next.Equal(now) {
		t.Fatalf("expected NextOpen to return now, got %v", next)
	}
}

func TestNextOpenSkipsToNextBusinessDay(t *testing.T) {
	s := mustSchedule(t)
	// Friday 2024-01-05 21:00, after close; Saturday/Sunday closed.
	now := time.Date(2024, 1, 5, 21, 0, 0, 0, s.Location)
	next := s.NextOpen(now)
	if next.Weekday() != time.Monday {
		t.Fatalf("expected next open on Monday, got %v", next.Weekday())
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected next open at 09:00, got %02d:%02d", next.Hour(), next.Minute())
	}
}

func TestEnumerateSlotsRespectsExistingBuffer(t *testing.T) {
	s := mustSchedule(t)
	from := time.Date(2024, 1, 3, 9, 0, 0, 0, s.Location)
	existing := []Slot{
		{
			Start: time.Date(2024, 1, 3, 9, 0, 0, 0, s.Location),
			End:   time.Date(2024, 1, 3, 9, 30, 0, 0, s.Location),
		},
	}

	slots := s.EnumerateSlots(from, 1, existing)
	for _, slot := range slots {
		if slot.Start.Before(time.Date(2024, 1, 3, 9, 40, 0, 0, s.Location)) {
			t.Fatalf("slot %v overlaps existing appointment's post-buffer", slot.Start)
		}
	}
}

func TestEnumerateSlotsStopsAtRequestedBusinessDayCount(t *testing.T) {
	s := mustSchedule(t)
	from := time.Date(2024, 1, 3, 9, 0, 0, 0, s.Location)

	slots := s.EnumerateSlots(from, 3, nil)
	seenDays := map[string]bool{}
	for _, slot := range slots {
		seenDays[slot.Start.Format("2006-01-02")] = true
	}
	if len(seenDays) != 3 {
		t.Fatalf("expected slots across exactly 3 business days, got %d", len(seenDays))
	}
}

func TestEnumerateSlotsAfterHoursTodayStillYieldsThreeFullDays(t *testing.T) {
	s := mustSchedule(t)
	// Wednesday 2024-01-03 21:00, after the 09:00-18:00 close: today must
	// not consume a slot in the 3-business-day quota since it contributes
	// no candidates.
	from := time.Date(2024, 1, 3, 21, 0, 0, 0, s.Location)

	slots := s.EnumerateSlots(from, 3, nil)
	seenDays := map[string]bool{}
	for _, slot := range slots {
		seenDays[slot.Start.Format("2006-01-02")] = true
	}
	if seenDays["2024-01-03"] {
		t.Fatalf("expected no slots on the after-hours day itself, got some")
	}
	if len(seenDays) != 3 {
		t.Fatalf("expected slots across exactly 3 business days (Thu/Fri/Mon), got %d: %v", len(seenDays), seenDays)
	}
}

func TestLocalMidnightTruncatesToStartOfDay(t *testing.T) {
	s := mustSchedule(t)
	mid := time.Date(2024, 1, 3, 15, 42, 7, 0, s.Location)
	midnight := LocalMidnight(mid, s.Location)
	if midnight.Hour() != 0 || midnight.Minute() != 0 || midnight.Second() != 0 {
		t.Fatalf("expected truncated midnight, got %v", midnight)
	}
	if midnight.Day() != mid.Day() {
		t.Fatalf("expected same calendar day, got %v vs %v", midnight, mid)
	}
}
