package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"leadflow/internal/agentbridge"
	"leadflow/internal/conversation"
	"leadflow/internal/engineerr"
	"leadflow/internal/gateway"
	"leadflow/internal/intake"
	"leadflow/internal/reporting"
	"leadflow/internal/scheduler"
	"leadflow/internal/store"
	"leadflow/platform/logger"
	"leadflow/platform/validator"
)

// Handlers bundles every engine component the router dispatches to.
type Handlers struct {
	store        *store.Store
	gw           *gateway.Gateway
	intake       *intake.Intake
	conversation *conversation.Engine
	reporting    *reporting.Reporter
	scheduler    *scheduler.Scheduler
	agent        *agentbridge.Bridge
	validate     *validator.Validator
	log          *logger.Logger
	dbPath       string
}

// NewHandlers wires the command surface to the engine components the
// composition root already constructed.
func NewHandlers(
	s *store.Store,
	gw *gateway.Gateway,
	ik *intake.Intake,
	conv *conversation.Engine,
	rep *reporting.Reporter,
	sched *scheduler.Scheduler,
	agent *agentbridge.Bridge,
	validate *validator.Validator,
	log *logger.Logger,
	dbPath string,
) *Handlers {
	return &Handlers{
		store: s, gw: gw, intake: ik, conversation: conv, reporting: rep,
		scheduler: sched, agent: agent, validate: validate, log: log, dbPath: dbPath,
	}
}

// createLeadRequest is the validated payload for POST /api/v1/leads.
type createLeadRequest struct {
	PhoneE164     string  `json:"phone_e164" validate:"required"`
	FirstName     *string `json:"first_name"`
	LastName      *string `json:"last_name"`
	Consent       bool    `json:"consent"`
	ConsentSource *string `json:"consent_source"`
}

func (h *Handlers) createLead(c *gin.Context) {
	var req createLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}

	result, err := h.intake.CreateLead(c.Request.Context(), intake.CreateLeadInput{
		PhoneE164:     req.PhoneE164,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Consent:       req.Consent,
		ConsentSource: req.ConsentSource,
	}, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"created":      result.Created,
		"lead_id":      result.LeadID,
		"duplicate_of": result.DuplicateOf,
		"note":         result.Note,
	})
}

func (h *Handlers) listLeads(c *gin.Context) {
	leads, err := h.store.ListLeads(c.Request.Context())
	if err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"leads": leads})
}

func (h *Handlers) getLeadDetail(c *gin.Context) {
	id := c.Param("id")
	lead, err := h.store.GetLeadByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, engineerr.NotFound("lead not found"))
		return
	}
	conv, err := h.store.GetConversationByLeadID(c.Request.Context(), id)
	if err != nil {
		writeError(c, engineerr.NotFound("conversation not found"))
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"lead": lead, "conversation": conv, "messages": messages})
}

type simulateInboundRequest struct {
	Body string `json:"body" validate:"required"`
}

func (h *Handlers) simulateInbound(c *gin.Context) {
	id := c.Param("id")
	var req simulateInboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}

	if err := h.conversation.HandleInbound(c.Request.Context(), id, req.Body, time.Now()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) getTodayReport(c *gin.Context) {
	report, err := h.reporting.GetTodayReport(c.Request.Context(), time.Now())
	if err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) getKillSwitch(c *gin.Context) {
	engaged, err := h.store.KillSwitchEngaged(c.Request.Context())
	if err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"kill_switch": engaged})
}

type setKillSwitchRequest struct {
	Engaged bool `json:"engaged"`
}

// setKillSwitch flips the setting and, only when turning the switch ON,
// cancels every pending job in the same transaction via the Gateway so
// the cancellation is audited (spec §4.1's cancel_jobs_on_kill_switch).
func (h *Handlers) setKillSwitch(c *gin.Context) {
	var req setKillSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}

	wasEngaged, err := h.store.KillSwitchEngaged(c.Request.Context())
	if err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}

	var cancelled int
	value := "false"
	if req.Engaged {
		value = "true"
	}

	err = h.store.WithTx(c.Request.Context(), "set kill switch", func(tx *sqlx.Tx) error {
		if err := h.store.PutSettingTx(c.Request.Context(), tx, store.SettingKillSwitch, value); err != nil {
			return err
		}
		if req.Engaged && !wasEngaged {
			n, err := h.gw.CancelJobsOnKillSwitch(c.Request.Context(), tx)
			if err != nil {
				return err
			}
			cancelled = n
		}
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"kill_switch": req.Engaged, "cancelled_jobs": cancelled})
}

func (h *Handlers) runDueJobs(c *gin.Context) {
	result, err := h.scheduler.RunDueJobs(c.Request.Context(), time.Now())
	if err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	h.log.DrainResult(result.Processed, result.Skipped, result.Errors)
	c.JSON(http.StatusOK, gin.H{
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"errors":    result.Errors,
	})
}

func (h *Handlers) listAgentQueue(c *gin.Context) {
	entries, err := h.store.ListAuditLog(c.Request.Context(), 200)
	if err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_log": entries})
}

type agentActionRequest struct {
	Type      string `json:"type" validate:"required"`
	LeadID    string `json:"lead_id" validate:"required"`
	Body      string `json:"body"`
	StartAt   string `json:"start_at"`
	Reason    string `json:"reason"`
	JobType   string `json:"job_type"`
	ExecuteAt string `json:"execute_at"`
	Payload   string `json:"payload"`
}

func (r agentActionRequest) toAction() (agentbridge.Action, error) {
	action := agentbridge.Action{
		Type:    agentbridge.ActionType(r.Type),
		LeadID:  r.LeadID,
		Body:    r.Body,
		Reason:  r.Reason,
		JobType: r.JobType,
		Payload: r.Payload,
	}
	if r.StartAt != "" {
		t, err := store.ParseTime(r.StartAt)
		if err != nil {
			return action, err
		}
		action.StartAt = t
	}
	if r.ExecuteAt != "" {
		t, err := store.ParseTime(r.ExecuteAt)
		if err != nil {
			return action, err
		}
		action.ExecuteAt = t
	}
	return action, nil
}

func (h *Handlers) agentDryRun(c *gin.Context) {
	var req agentActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}
	action, err := req.toAction()
	if err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}

	outcome, err := h.agent.DryRun(c.Request.Context(), action, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handlers) agentExecute(c *gin.Context) {
	var req agentActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}
	action, err := req.toAction()
	if err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}

	outcome, err := h.agent.Execute(c.Request.Context(), action, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handlers) getLocation(c *gin.Context) {
	loc, err := h.store.GetLocation(c.Request.Context())
	if err != nil {
		writeError(c, engineerr.NotFound("location not configured"))
		return
	}
	c.JSON(http.StatusOK, loc)
}

type updateLocationRequest struct {
	GymName           string `json:"gym_name" validate:"required"`
	Timezone          string `json:"timezone" validate:"required"`
	BusinessHoursJSON string `json:"business_hours_json" validate:"required"`
}

func (h *Handlers) updateLocation(c *gin.Context) {
	var req updateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}

	loc, err := h.store.GetLocation(c.Request.Context())
	if err != nil {
		writeError(c, engineerr.NotFound("location not configured"))
		return
	}
	loc.GymName = req.GymName
	loc.Timezone = req.Timezone
	loc.BusinessHoursJSON = req.BusinessHoursJSON

	if err := h.store.UpdateLocation(c.Request.Context(), loc); err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	c.JSON(http.StatusOK, loc)
}

// exportDBPath returns the configured database file path. Resolving a
// platform-appropriate user-data directory is the desktop shell's job;
// this just reports the path the engine was opened with.
func (h *Handlers) exportDBPath(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"path": h.dbPath})
}

type wipeAllDataRequest struct {
	Confirmed bool `json:"confirmed"`
}

// wipeAllData truncates every engine table. It refuses unless the caller
// sets confirmed=true, mirroring the UI's explicit confirmation dialog.
func (h *Handlers) wipeAllData(c *gin.Context) {
	var req wipeAllDataRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Confirmed {
		writeError(c, engineerr.Validation("wipe requires confirmed=true"))
		return
	}

	if err := h.store.WipeAllData(c.Request.Context()); err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

type logClientErrorRequest struct {
	Message string `json:"message" validate:"required"`
}

func (h *Handlers) logClientError(c *gin.Context) {
	var req logClientErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, engineerr.Validation(err.Error()))
		return
	}

	if err := h.store.LogClientError(c.Request.Context(), req.Message); err != nil {
		writeError(c, engineerr.StoreFatal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// openDevtools is a no-op; the desktop shell intercepts this call before
// it ever reaches the engine.
func (h *Handlers) openDevtools(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (h *Handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
