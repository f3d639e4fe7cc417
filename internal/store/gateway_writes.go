package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// This file holds the mutation methods that spec §4.1 restricts to the
// Gateway when the write is one of create_appointment, set_opt_out,
// schedule_job, or cancel_jobs_on_kill_switch. Apart from
// InsertAuditEntry, nothing outside internal/gateway calls these methods
// — that boundary is a convention, not a compiler check, so
// internal/gateway carries a compliance test asserting every Gateway
// write leaves a matching audit_log row. InsertAuditEntry itself is also
// called by internal/audit, by internal/intake for the duplicate-lead
// decision, and by LogClientError.
//
// Message inserts are not restricted to this file: internal/conversation
// records INBOUND turns directly (see InsertMessage in store.go), while
// only the Gateway ever inserts an OUTBOUND row.

// InsertAppointment records a booked slot.
func (s *Store) InsertAppointment(ctx context.Context, tx *sqlx.Tx, appt *Appointment) error {
	q := `
		INSERT INTO appointments (id, lead_id, start_at, end_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{appt.ID, appt.LeadID, appt.StartAt, appt.EndAt, appt.Status, appt.CreatedAt}

	if tx != nil {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	return s.withRetry(ctx, "insert appointment", func() error {
		_, err := s.db.ExecContext(ctx, q, args...)
		return err
	})
}

// CancelAppointment marks a booked appointment cancelled.
func (s *Store) CancelAppointment(ctx context.Context, tx *sqlx.Tx, appointmentID string) error {
	q := `UPDATE appointments SET status = ? WHERE id = ?`
	args := []any{AppointmentStatusCancelled, appointmentID}

	if tx != nil {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	return s.withRetry(ctx, "cancel appointment", func() error {
		_, err := s.db.ExecContext(ctx, q, args...)
		return err
	})
}

// InsertScheduledJob persists a future action for run_due_jobs to pick up.
func (s *Store) InsertScheduledJob(ctx context.Context, tx *sqlx.Tx, job *ScheduledJob) error {
	q := `
		INSERT INTO scheduled_jobs (id, job_type, target_id, execute_at, status, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []any{job.ID, job.JobType, job.TargetID, job.ExecuteAt, job.Status, job.PayloadJSON, job.CreatedAt}

	if tx != nil {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	return s.withRetry(ctx, "insert scheduled job", func() error {
		_, err := s.db.ExecContext(ctx, q, args...)
		return err
	})
}

// CancelPendingJobsForTarget cancels every pending job whose target_id
// equals targetID, used by opt-out. The kill-switch toggle uses
// CancelAllPendingJobs instead.
func (s *Store) CancelPendingJobsForTarget(ctx context.Context, tx *sqlx.Tx, targetID string) error {
	q := `UPDATE scheduled_jobs SET status = ? WHERE status = ? AND target_id = ?`
	args := []any{JobStatusCancelled, JobStatusPending, targetID}

	if tx != nil {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	return s.withRetry(ctx, "cancel pending jobs for target", func() error {
		_, err := s.db.ExecContext(ctx, q, args...)
		return err
	})
}

// CancelAllPendingJobs cancels every pending job in the system, used when
// the kill switch is engaged (spec §4.1's cancel_jobs_on_kill_switch).
func (s *Store) CancelAllPendingJobs(ctx context.Context, tx *sqlx.Tx) error {
	q := `UPDATE scheduled_jobs SET status = ? WHERE status = ?`
	args := []any{JobStatusCancelled, JobStatusPending}

	if tx != nil {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	return s.withRetry(ctx, "cancel all pending jobs", func() error {
		_, err := s.db.ExecContext(ctx, q, args...)
		return err
	})
}

// InsertAuditEntry appends a record of a Gateway attempt, successful or not.
func (s *Store) InsertAuditEntry(ctx context.Context, tx *sqlx.Tx, entry *AuditEntry) error {
	q := `
		INSERT INTO audit_log (id, action_type, target_type, target_id, request_json, response_json, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		entry.ID, entry.ActionType, entry.TargetType, entry.TargetID,
		entry.RequestJSON, entry.ResponseJSON, entry.Success, entry.ErrorMessage, entry.CreatedAt,
	}

	if tx != nil {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	return s.withRetry(ctx, "insert audit entry", func() error {
		_, err := s.db.ExecContext(ctx, q, args...)
		return err
	})
}
