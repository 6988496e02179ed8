package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// parseUUID reads a UUID URL parameter, writing a 400 and returning false
// when it does not parse.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		ErrBadRequest(w, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters, clamped to sane
// bounds.
func paginationOpts(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: defaultPageSize}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}

// auditor records audit trail entries for mutating handlers. Failures are
// swallowed, an unavailable audit table never blocks the mutation itself.
type auditor struct {
	repo repositories.AuditLogRepository
}

func (a *auditor) record(r *http.Request, action, resourceType, resourceID, details string) {
	entry := &db.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IPAddress:    r.RemoteAddr,
		Status:       "success",
	}
	if claims := claimsFromCtx(r.Context()); claims != nil {
		if id, err := uuid.Parse(claims.UserID); err == nil {
			entry.UserID = &id
		}
	}
	_ = a.repo.Create(r.Context(), entry)
}

// currentUserID returns the authenticated user's id, or uuid.Nil when the
// request carries no claims.
func currentUserID(r *http.Request) uuid.UUID {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
