package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/auth"
	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// UserHandler serves local account management. All routes except password
// change are admin only.
type UserHandler struct {
	users  repositories.UserRepository
	tokens repositories.RefreshTokenRepository
	audit  *auditor
	logger *zap.Logger
}

func NewUserHandler(users repositories.UserRepository, tokens repositories.RefreshTokenRepository, audit *auditor, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		users:  users,
		tokens: tokens,
		audit:  audit,
		logger: logger.Named("user_handler"),
	}
}

type listUsersResponse struct {
	Items []userResponse `json:"items"`
	Total int64          `json:"total"`
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, total, err := h.users.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("listing users", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]userResponse, 0, len(users))
	for i := range users {
		items = append(items, userToResponse(&users[i]))
	}
	Ok(w, listUsersResponse{Items: items, Total: total})
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func (req *createUserRequest) validate() error {
	if req.Username == "" {
		return errors.New("username is required")
	}
	if len(req.Password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if _, ok := roleRank[req.Role]; !ok {
		return errors.New("role must be viewer, operator or admin")
	}
	return nil
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("hashing password", zap.Error(err))
		ErrInternal(w)
		return
	}

	user := &db.User{
		Username:     req.Username,
		PasswordHash: hash,
		Email:        req.Email,
		FullName:     req.FullName,
		AuthMethod:   "local",
		Role:         req.Role,
		IsActive:     true,
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a user with this username already exists")
			return
		}
		h.logger.Error("creating user", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "create_user", "user", user.ID.String(), user.Username)
	Created(w, userToResponse(user))
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	FullName *string `json:"full_name"`
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
	Password *string `json:"password"`
}

func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("fetching user", zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.FullName != nil {
		user.FullName = *req.FullName
	}
	if req.Role != nil {
		if _, ok := roleRank[*req.Role]; !ok {
			ErrUnprocessable(w, "role must be viewer, operator or admin")
			return
		}
		user.Role = *req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
		if !user.IsActive {
			if err := h.tokens.RevokeAllForUser(r.Context(), user.ID); err != nil {
				h.logger.Warn("revoking sessions of disabled user", zap.Error(err))
			}
		}
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			ErrUnprocessable(w, "password must be at least 8 characters")
			return
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			h.logger.Error("hashing password", zap.Error(err))
			ErrInternal(w)
			return
		}
		user.PasswordHash = hash
		user.MustChangePassword = false
	}

	if err := h.users.Update(r.Context(), user); err != nil {
		h.logger.Error("updating user", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "update_user", "user", user.ID.String(), user.Username)
	Ok(w, userToResponse(user))
}

func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if id == currentUserID(r) {
		ErrUnprocessable(w, "you cannot delete your own account")
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("deleting user", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.record(r, "delete_user", "user", id.String(), "")
	NoContent(w)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword lets the authenticated user rotate their own password. All
// other sessions are revoked afterwards.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 8 {
		ErrUnprocessable(w, "password must be at least 8 characters")
		return
	}

	user, err := h.users.GetByID(r.Context(), currentUserID(r))
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	if user.AuthMethod != "local" {
		ErrUnprocessable(w, "password is managed by proxmox for this account")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.CurrentPassword); err != nil {
		errJSON(w, http.StatusUnauthorized, "current password is incorrect", "invalid_credentials")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.logger.Error("hashing password", zap.Error(err))
		ErrInternal(w)
		return
	}
	user.PasswordHash = hash
	user.MustChangePassword = false
	if err := h.users.Update(r.Context(), user); err != nil {
		h.logger.Error("updating password", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.tokens.RevokeAllForUser(r.Context(), user.ID); err != nil {
		h.logger.Warn("revoking sessions after password change", zap.Error(err))
	}

	h.audit.record(r, "change_password", "user", user.ID.String(), "")
	NoContent(w)
}
