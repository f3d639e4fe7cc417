package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leadflow/platform/logger"
)

// Store wraps the single-connection SQLite pool and provides the retry
// discipline spec §4.5 requires for transient SQLITE_BUSY/SQLITE_LOCKED
// conditions. It is the only type in this package that touches *sqlx.DB
// directly; repository methods hang off it.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sqlx.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log}
}

const (
	retryAttempts = 5
	retryBaseDelay = 20 * time.Millisecond
)

// isRetryable reports whether err looks like a transient SQLite busy or
// locked condition, as opposed to a genuine constraint violation or a
// programming error.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// withRetry runs fn up to retryAttempts times with exponential backoff,
// mirroring the teacher's startup-retry helper but scoped to a single
// statement instead of a connection attempt. Only transient errors are
// retried; anything else returns immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		s.log.Warn("retrying store operation", "operation", op, "attempt", attempt, "error", err)

		if attempt < retryAttempts {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%s: exhausted retries: %w", op, lastErr)
}

// WithTx runs fn inside a transaction, retrying the whole attempt on a
// transient SQLite error and rolling back on any other failure.
func (s *Store) WithTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	return s.withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

// DB exposes the underlying handle for components (migrations, health
// checks) that need it directly.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// --- Read-layer repository methods -----------------------------------

// GetLocation returns the singleton location row. The PoC assumes exactly
// one row exists, seeded at first boot.
func (s *Store) GetLocation(ctx context.Context) (*Location, error) {
	var loc Location
	err := s.withRetry(ctx, "get location", func() error {
		return s.db.GetContext(ctx, &loc, `SELECT * FROM locations LIMIT 1`)
	})
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// InsertLocation seeds the singleton location row on first boot.
func (s *Store) InsertLocation(ctx context.Context, loc *Location) error {
	return s.withRetry(ctx, "insert location", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO locations (id, gym_name, timezone, business_hours_json, created_at)
			VALUES (:id, :gym_name, :timezone, :business_hours_json, :created_at)`,
			loc)
		return err
	})
}

// UpdateLocation persists location and business-hours edits.
func (s *Store) UpdateLocation(ctx context.Context, loc *Location) error {
	return s.withRetry(ctx, "update location", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE locations
			SET gym_name = ?, timezone = ?, business_hours_json = ?
			WHERE id = ?`,
			loc.GymName, loc.Timezone, loc.BusinessHoursJSON, loc.ID)
		return err
	})
}

// GetSetting reads a single key from the settings table. It returns
// ("", sql.ErrNoRows) when the key has never been set.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.withRetry(ctx, "get setting", func() error {
		return s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// PutSetting upserts a settings key.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, "put setting", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		return err
	})
}

// PutSettingTx upserts a settings key inside an already-open transaction,
// so a kill-switch toggle and its job-cancellation side effect commit
// together.
func (s *Store) PutSettingTx(ctx context.Context, tx *sqlx.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// KillSwitchEngaged reports the current value of the kill_switch setting.
// Absence of the row means the kill switch is off.
func (s *Store) KillSwitchEngaged(ctx context.Context) (bool, error) {
	value, err := s.GetSetting(ctx, SettingKillSwitch)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// KillSwitchEngagedTx is KillSwitchEngaged read inside an already-open
// transaction, so the Gateway's checks and its eventual write observe a
// consistent view of the switch.
func (s *Store) KillSwitchEngagedTx(ctx context.Context, tx *sqlx.Tx) (bool, error) {
	var value string
	err := tx.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, SettingKillSwitch)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// CountOutboundSinceTx counts OUTBOUND messages for a conversation
// created at or after since, evaluated inside tx.
func (s *Store) CountOutboundSinceTx(ctx context.Context, tx *sqlx.Tx, conversationID string, since time.Time) (int, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND direction = ? AND created_at >= ?`,
		conversationID, DirectionOutbound, FormatTime(since))
	return count, err
}

// CountOutboundAcrossLocationSinceTx counts every OUTBOUND message in the
// system created at or after since — the location-wide rate cap operates
// over all conversations since the PoC assumes a single location.
func (s *Store) CountOutboundAcrossLocationSinceTx(ctx context.Context, tx *sqlx.Tx, since time.Time) (int, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages WHERE direction = ? AND created_at >= ?`,
		DirectionOutbound, FormatTime(since))
	return count, err
}

// GetAppointmentsForLeadTx returns all booked appointments for a lead,
// used by create_appointment's overlap check inside the Gateway's
// transaction.
func (s *Store) GetAppointmentsForLeadTx(ctx context.Context, tx *sqlx.Tx, leadID string) ([]Appointment, error) {
	var appts []Appointment
	err := tx.SelectContext(ctx, &appts, `
		SELECT * FROM appointments WHERE lead_id = ? AND status = ?`,
		leadID, AppointmentStatusBooked)
	return appts, err
}

// GetLeadByIDTx fetches a lead row inside tx, for callers that need a
// fresh read within the same transaction as their writes.
func (s *Store) GetLeadByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*Lead, error) {
	var lead Lead
	err := tx.GetContext(ctx, &lead, `SELECT * FROM leads WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// InsertLead creates a new lead row outside any transaction. It is not
// gated behind the Gateway — lead creation is not one of the five
// Gateway-guarded write paths in spec §4.1. internal/intake inserts its
// leads with its own statement inside the create-lead transaction.
func (s *Store) InsertLead(ctx context.Context, lead *Lead) error {
	return s.withRetry(ctx, "insert lead", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO leads
				(id, phone_e164, first_name, last_name, consent, consent_at, consent_source,
				 status, opted_out, needs_staff_attention, last_contact_at, next_action_at, created_at)
			VALUES
				(:id, :phone_e164, :first_name, :last_name, :consent, :consent_at, :consent_source,
				 :status, :opted_out, :needs_staff_attention, :last_contact_at, :next_action_at, :created_at)`,
			lead)
		return err
	})
}

// GetLeadByID fetches a lead by its surrogate key.
func (s *Store) GetLeadByID(ctx context.Context, id string) (*Lead, error) {
	var lead Lead
	err := s.withRetry(ctx, "get lead", func() error {
		return s.db.GetContext(ctx, &lead, `SELECT * FROM leads WHERE id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// FindRecentLeadByPhone returns the most recently created lead for this
// phone number whose created_at falls within the last 30 days, or
// sql.ErrNoRows when dedup should not kick in (spec §4.6).
func (s *Store) FindRecentLeadByPhone(ctx context.Context, phoneE164 string, since time.Time) (*Lead, error) {
	var lead Lead
	err := s.withRetry(ctx, "find recent lead", func() error {
		return s.db.GetContext(ctx, &lead, `
			SELECT * FROM leads
			WHERE phone_e164 = ? AND created_at >= ?
			ORDER BY created_at DESC
			LIMIT 1`,
			phoneE164, FormatTime(since))
	})
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// ListLeads returns all leads, most recent first, for the dashboard.
func (s *Store) ListLeads(ctx context.Context) ([]Lead, error) {
	var leads []Lead
	err := s.withRetry(ctx, "list leads", func() error {
		return s.db.SelectContext(ctx, &leads, `SELECT * FROM leads ORDER BY created_at DESC`)
	})
	return leads, err
}

// UpdateLeadStatus transitions a lead's status and bookkeeping timestamps.
// Used both by the conversation engine (non-gated transitions) and by the
// Gateway's set_opt_out/create_outbound_message paths.
func (s *Store) UpdateLeadStatus(ctx context.Context, tx *sqlx.Tx, lead *Lead) error {
	exec := func(q string, args ...any) error {
		var err error
		if tx != nil {
			_, err = tx.ExecContext(ctx, q, args...)
		} else {
			_, err = s.db.ExecContext(ctx, q, args...)
		}
		return err
	}

	run := func() error {
		return exec(`
			UPDATE leads
			SET status = ?, opted_out = ?, needs_staff_attention = ?,
			    last_contact_at = ?, next_action_at = ?
			WHERE id = ?`,
			lead.Status, lead.OptedOut, lead.NeedsStaffAttention,
			lead.LastContactAt, lead.NextActionAt, lead.ID)
	}

	if tx != nil {
		return run()
	}
	return s.withRetry(ctx, "update lead status", run)
}

// GetConversationByLeadID fetches the one conversation row for a lead.
func (s *Store) GetConversationByLeadID(ctx context.Context, leadID string) (*Conversation, error) {
	var conv Conversation
	err := s.withRetry(ctx, "get conversation", func() error {
		return s.db.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE lead_id = ?`, leadID)
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversationByLeadIDTx is GetConversationByLeadID read inside an
// already-open transaction.
func (s *Store) GetConversationByLeadIDTx(ctx context.Context, tx *sqlx.Tx, leadID string) (*Conversation, error) {
	var conv Conversation
	err := tx.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE lead_id = ?`, leadID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// InsertConversation creates the conversation row for a newly created lead.
func (s *Store) InsertConversation(ctx context.Context, conv *Conversation) error {
	return s.withRetry(ctx, "insert conversation", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO conversations
				(id, lead_id, state, state_json, last_inbound_at, last_outbound_at, repair_attempts, created_at)
			VALUES
				(:id, :lead_id, :state, :state_json, :last_inbound_at, :last_outbound_at, :repair_attempts, :created_at)`,
			conv)
		return err
	})
}

// UpdateConversation persists state machine transitions. tx is optional;
// pass nil to run outside a transaction.
func (s *Store) UpdateConversation(ctx context.Context, tx *sqlx.Tx, conv *Conversation) error {
	run := func() error {
		var err error
		q := `
			UPDATE conversations
			SET state = ?, state_json = ?, last_inbound_at = ?, last_outbound_at = ?, repair_attempts = ?
			WHERE id = ?`
		args := []any{conv.State, conv.StateJSON, conv.LastInboundAt, conv.LastOutboundAt, conv.RepairAttempts, conv.ID}
		if tx != nil {
			_, err = tx.ExecContext(ctx, q, args...)
		} else {
			_, err = s.db.ExecContext(ctx, q, args...)
		}
		return err
	}

	if tx != nil {
		return run()
	}
	return s.withRetry(ctx, "update conversation", run)
}

// InsertMessage records a single conversation turn, either direction.
// internal/conversation calls this directly for INBOUND rows; the
// Gateway calls it for OUTBOUND rows as part of create_outbound_message.
func (s *Store) InsertMessage(ctx context.Context, tx *sqlx.Tx, msg *Message) error {
	q := `
		INSERT INTO messages (id, conversation_id, direction, body, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{msg.ID, msg.ConversationID, msg.Direction, msg.Body, msg.Status, msg.CreatedAt}

	if tx != nil {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	}
	return s.withRetry(ctx, "insert message", func() error {
		_, err := s.db.ExecContext(ctx, q, args...)
		return err
	})
}

// ListMessages returns every message in a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	err := s.withRetry(ctx, "list messages", func() error {
		return s.db.SelectContext(ctx, &msgs, `
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	})
	return msgs, err
}

// CountOutboundSince counts OUTBOUND messages for a conversation created
// at or after since, outside a transaction. The Gateway's per-lead rate
// cap uses CountOutboundSinceTx instead.
func (s *Store) CountOutboundSince(ctx context.Context, conversationID string, since time.Time) (int, error) {
	var count int
	err := s.withRetry(ctx, "count outbound", func() error {
		return s.db.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = ? AND direction = ? AND created_at >= ?`,
			conversationID, DirectionOutbound, FormatTime(since))
	})
	return count, err
}

// GetAppointmentByLeadID returns the active (booked) appointment for a
// lead, if any.
func (s *Store) GetAppointmentByLeadID(ctx context.Context, leadID string) (*Appointment, error) {
	var appt Appointment
	err := s.withRetry(ctx, "get appointment", func() error {
		return s.db.GetContext(ctx, &appt, `
			SELECT * FROM appointments WHERE lead_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
			leadID, AppointmentStatusBooked)
	})
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// ListAppointmentsInRange returns booked appointments of any lead
// overlapping [from, to). Slot generation does not use it; it reads only
// the lead's own appointments via GetAppointmentsForLeadTx.
func (s *Store) ListAppointmentsInRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	var appts []Appointment
	err := s.withRetry(ctx, "list appointments in range", func() error {
		return s.db.SelectContext(ctx, &appts, `
			SELECT * FROM appointments
			WHERE status = ? AND start_at < ? AND end_at > ?
			ORDER BY start_at ASC`,
			AppointmentStatusBooked, FormatTime(to), FormatTime(from))
	})
	return appts, err
}

// ListPendingJobsDue returns scheduled jobs whose execute_at has passed
// and that are still pending, ordered so the oldest runs first.
func (s *Store) ListPendingJobsDue(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	var jobs []ScheduledJob
	err := s.withRetry(ctx, "list due jobs", func() error {
		return s.db.SelectContext(ctx, &jobs, `
			SELECT * FROM scheduled_jobs
			WHERE status = ? AND execute_at <= ?
			ORDER BY execute_at ASC, id ASC`,
			JobStatusPending, FormatTime(now))
	})
	return jobs, err
}

// ClaimJob atomically transitions a pending job to done, returning false
// if another drain already claimed it first. This is the re-entrancy
// guard spec §5 requires for run_due_jobs.
func (s *Store) ClaimJob(ctx context.Context, tx *sqlx.Tx, jobID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ? WHERE id = ? AND status = ?`,
		JobStatusDone, jobID, JobStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailJob marks a claimed job as failed after its handler errored.
func (s *Store) FailJob(ctx context.Context, jobID string) error {
	return s.withRetry(ctx, "fail job", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET status = ? WHERE id = ?`, JobStatusFailed, jobID)
		return err
	})
}

// ListAuditLog returns audit entries newest first, for diagnostics.
func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.withRetry(ctx, "list audit log", func() error {
		return s.db.SelectContext(ctx, &entries, `
			SELECT * FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	})
	return entries, err
}

// LogClientError appends a desktop-shell-reported error to the audit log
// with target_type="client", the one piece of UI-shell diagnostics the
// engine accepts rather than ignores (spec §6's log_client_error).
func (s *Store) LogClientError(ctx context.Context, message string) error {
	entry := &AuditEntry{
		ID:           uuid.NewString(),
		ActionType:   "log_client_error",
		TargetType:   "client",
		RequestJSON:  `{}`,
		Success:      false,
		ErrorMessage: &message,
		CreatedAt:    FormatTime(time.Now()),
	}
	return s.InsertAuditEntry(ctx, nil, entry)
}

// wipeTables lists every engine table in child-to-parent order so
// foreign keys never block the delete.
var wipeTables = []string{
	"audit_log",
	"scheduled_jobs",
	"appointments",
	"messages",
	"conversations",
	"leads",
	"settings",
}

// WipeAllData truncates every engine table, leaving locations (and the
// schema) intact. It is the store-layer half of wipe_all_data_confirmed;
// the confirmation gate lives in the command surface.
func (s *Store) WipeAllData(ctx context.Context) error {
	return s.withRetry(ctx, "wipe all data", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, table := range wipeTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}
