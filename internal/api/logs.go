package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// LogHandler serves the job execution history and the audit trail.
type LogHandler struct {
	logs   repositories.JobLogRepository
	audit  repositories.AuditLogRepository
	logger *zap.Logger
}

func NewLogHandler(logs repositories.JobLogRepository, audit repositories.AuditLogRepository, logger *zap.Logger) *LogHandler {
	return &LogHandler{
		logs:   logs,
		audit:  audit,
		logger: logger.Named("log_handler"),
	}
}

type jobLogResponse struct {
	ID            string     `json:"id"`
	JobType       string     `json:"job_type"`
	JobID         string     `json:"job_id,omitempty"`
	NodeName      string     `json:"node_name"`
	Dataset       string     `json:"dataset"`
	Status        string     `json:"status"`
	Message       string     `json:"message,omitempty"`
	Transferred   string     `json:"transferred,omitempty"`
	Duration      int        `json:"duration"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TriggeredBy   string     `json:"triggered_by,omitempty"`
}

func jobLogToResponse(l *db.JobLog) jobLogResponse {
	resp := jobLogResponse{
		ID:            l.ID.String(),
		JobType:       l.JobType,
		NodeName:      l.NodeName,
		Dataset:       l.Dataset,
		Status:        l.Status,
		Message:       l.Message,
		Transferred:   l.Transferred,
		Duration:      l.Duration,
		AttemptNumber: l.AttemptNumber,
		StartedAt:     l.StartedAt,
		CompletedAt:   l.CompletedAt,
	}
	if l.JobID != nil {
		resp.JobID = l.JobID.String()
	}
	if l.TriggeredBy != nil {
		resp.TriggeredBy = l.TriggeredBy.String()
	}
	return resp
}

// logFilterFromQuery builds the repository filter from query parameters:
// job_type, status, job_id and since (RFC 3339).
func logFilterFromQuery(r *http.Request) (repositories.JobLogFilter, error) {
	q := r.URL.Query()
	filter := repositories.JobLogFilter{
		JobType: q.Get("job_type"),
		Status:  q.Get("status"),
	}
	if v := q.Get("job_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, errors.New("job_id is not a valid id")
		}
		filter.JobID = &id
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = t
	}
	return filter, nil
}

type listJobLogsResponse struct {
	Items []jobLogResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/logs.
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilterFromQuery(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	logs, total, err := h.logs.List(r.Context(), filter, paginationOpts(r))
	if err != nil {
		h.logger.Error("listing job logs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobLogResponse, 0, len(logs))
	for i := range logs {
		items = append(items, jobLogToResponse(&logs[i]))
	}
	Ok(w, listJobLogsResponse{Items: items, Total: total})
}

type jobLogDetailResponse struct {
	jobLogResponse
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Get handles GET /api/v1/logs/{id}, including the captured output the list
// omits.
func (h *LogHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	log, err := h.logs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching job log", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobLogDetailResponse{
		jobLogResponse: jobLogToResponse(log),
		Output:         log.Output,
		Error:          log.Error,
	})
}

type auditLogResponse struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Details      string    `json:"details,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type listAuditLogsResponse struct {
	Items []auditLogResponse `json:"items"`
	Total int64              `json:"total"`
}

// ListAudit handles GET /api/v1/audit. Admin only.
func (h *LogHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.audit.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("listing audit logs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]auditLogResponse, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		resp := auditLogResponse{
			ID:           e.ID.String(),
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Details:      e.Details,
			IPAddress:    e.IPAddress,
			Status:       e.Status,
			CreatedAt:    e.CreatedAt,
		}
		if e.UserID != nil {
			resp.UserID = e.UserID.String()
		}
		items = append(items, resp)
	}
	Ok(w, listAuditLogsResponse{Items: items, Total: total})
}
