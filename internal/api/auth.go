package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/auth"
	"github.com/grandir66/sanoid-manager/internal/db"
)

const refreshCookieName = "sanoid_manager_refresh_token"

// AuthHandler serves login, token refresh and logout. The refresh token
// travels in an httpOnly cookie scoped to the auth endpoints, the access
// token in the response body.
type AuthHandler struct {
	service *auth.Service
	audit   *auditor
	secure  bool
	logger  *zap.Logger
}

func NewAuthHandler(service *auth.Service, audit *auditor, secure bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		audit:   audit,
		secure:  secure,
		logger:  logger.Named("auth_handler"),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Email              string     `json:"email,omitempty"`
	FullName           string     `json:"full_name,omitempty"`
	AuthMethod         string     `json:"auth_method"`
	Role               string     `json:"role"`
	IsActive           bool       `json:"is_active"`
	MustChangePassword bool       `json:"must_change_password"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func userToResponse(u *db.User) userResponse {
	return userResponse{
		ID:                 u.ID.String(),
		Username:           u.Username,
		Email:              u.Email,
		FullName:           u.FullName,
		AuthMethod:         u.AuthMethod,
		Role:               u.Role,
		IsActive:           u.IsActive,
		MustChangePassword: u.MustChangePassword,
		LastLoginAt:        u.LastLoginAt,
		CreatedAt:          u.CreatedAt,
	}
}

type loginResponse struct {
	AccessToken string       `json:"access_token"`
	User        userResponse `json:"user"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	pair, user, err := h.service.Login(r.Context(), req.Username, req.Password,
		r.UserAgent(), r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			errJSON(w, http.StatusUnauthorized, "invalid username or password", "invalid_credentials")
		case errors.Is(err, auth.ErrUserDisabled):
			errJSON(w, http.StatusForbidden, "account is disabled", "account_disabled")
		case errors.Is(err, auth.ErrNoAuthNode):
			ErrUnprocessable(w, "no node is configured for proxmox authentication")
		default:
			h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	h.audit.record(r, "login", "user", user.ID.String(), user.Username)
	Ok(w, loginResponse{AccessToken: pair.AccessToken, User: userToResponse(user)})
}

// Refresh handles POST /api/v1/auth/refresh. It rotates the refresh token
// and issues a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		ErrUnauthorized(w)
		return
	}

	pair, user, err := h.service.Refresh(r.Context(), cookie.Value,
		r.UserAgent(), r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshTokenNotFound),
			errors.Is(err, auth.ErrTokenExpired),
			errors.Is(err, auth.ErrUserDisabled):
			h.clearRefreshCookie(w)
			ErrUnauthorized(w)
		default:
			h.logger.Error("token refresh failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	Ok(w, loginResponse{AccessToken: pair.AccessToken, User: userToResponse(user)})
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			h.logger.Warn("logout revocation failed", zap.Error(err))
		}
	}
	h.clearRefreshCookie(w)
	NoContent(w)
}

// Me handles GET /api/v1/users/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	user, err := h.service.CurrentUser(r.Context(), claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	Ok(w, userToResponse(user))
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/api/v1/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/api/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
