// Package audit appends an immutable record of every Gateway attempt,
// successful or blocked, so the UI can show a trail of what the engine
// actually sent and why a write was refused. It never updates or deletes
// rows — only internal/gateway calls Record, always inside the same
// transaction as the write it is documenting.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leadflow/internal/store"
)

// Entry describes one attempted write for the audit log.
type Entry struct {
	ActionType string
	TargetType string
	TargetID   string
	Request    any
	Response   any
	Success    bool
	ErrorMsg   string
}

// Recorder appends Entries to the audit_log table.
type Recorder struct {
	store *store.Store
}

func New(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record marshals e and inserts it inside tx. tx must be non-nil so the
// audit row commits or rolls back atomically with the write it documents.
func (r *Recorder) Record(ctx context.Context, tx *sqlx.Tx, e Entry) error {
	requestJSON, err := json.Marshal(e.Request)
	if err != nil {
		requestJSON = []byte(`{}`)
	}

	var responsePtr *string
	if e.Response != nil {
		responseJSON, err := json.Marshal(e.Response)
		if err == nil {
			s := string(responseJSON)
			responsePtr = &s
		}
	}

	var targetIDPtr *string
	if e.TargetID != "" {
		targetIDPtr = &e.TargetID
	}

	var errMsgPtr *string
	if e.ErrorMsg != "" {
		errMsgPtr = &e.ErrorMsg
	}

	row := &store.AuditEntry{
		ID:           uuid.NewString(),
		ActionType:   e.ActionType,
		TargetType:   e.TargetType,
		TargetID:     targetIDPtr,
		RequestJSON:  string(requestJSON),
		ResponseJSON: responsePtr,
		Success:      e.Success,
		ErrorMessage: errMsgPtr,
		CreatedAt:    store.FormatTime(time.Now()),
	}

	return r.store.InsertAuditEntry(ctx, tx, row)
}
