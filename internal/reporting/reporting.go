// Package reporting computes read-only aggregates over today's activity
// in the location's local calendar day. It never mutates state.
package reporting

import (
	"context"
	"time"

	"leadflow/internal/clock"
	"leadflow/internal/store"
)

// TodayReport mirrors spec §4.7's aggregate shape.
type TodayReport struct {
	LeadsCreated   int `json:"leads_created"`
	Contacted      int `json:"contacted"`
	Booked         int `json:"booked"`
	OptOuts        int `json:"opt_outs"`
	NeedsAttention int `json:"needs_attention"`
}

type Reporter struct {
	store *store.Store
}

func New(s *store.Store) *Reporter {
	return &Reporter{store: s}
}

// GetTodayReport aggregates counts for the location's current local day.
func (r *Reporter) GetTodayReport(ctx context.Context, now time.Time) (TodayReport, error) {
	loc, err := r.store.GetLocation(ctx)
	if err != nil {
		return TodayReport{}, err
	}
	schedule, err := clock.ParseSchedule(loc.Timezone, loc.BusinessHoursJSON)
	if err != nil {
		return TodayReport{}, err
	}

	dayStart := clock.LocalMidnight(now, schedule.Location)
	dayEnd := dayStart.Add(24 * time.Hour)

	db := r.store.DB()

	var report TodayReport

	if err := db.GetContext(ctx, &report.LeadsCreated, `
		SELECT COUNT(*) FROM leads WHERE created_at >= ? AND created_at < ?`,
		store.FormatTime(dayStart), store.FormatTime(dayEnd)); err != nil {
		return TodayReport{}, err
	}

	if err := db.GetContext(ctx, &report.Contacted, `
		SELECT COUNT(DISTINCT c.lead_id)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.direction = ? AND m.created_at >= ? AND m.created_at < ?`,
		store.DirectionOutbound, store.FormatTime(dayStart), store.FormatTime(dayEnd)); err != nil {
		return TodayReport{}, err
	}

	if err := db.GetContext(ctx, &report.Booked, `
		SELECT COUNT(*) FROM appointments WHERE created_at >= ? AND created_at < ?`,
		store.FormatTime(dayStart), store.FormatTime(dayEnd)); err != nil {
		return TodayReport{}, err
	}

	if err := db.GetContext(ctx, &report.OptOuts, `
		SELECT COUNT(*) FROM audit_log
		WHERE action_type = ? AND success = 1 AND created_at >= ? AND created_at < ?`,
		"set_opt_out", store.FormatTime(dayStart), store.FormatTime(dayEnd)); err != nil {
		return TodayReport{}, err
	}

	if err := db.GetContext(ctx, &report.NeedsAttention, `
		SELECT COUNT(*) FROM leads WHERE needs_staff_attention = 1`); err != nil {
		return TodayReport{}, err
	}

	return report, nil
}
