// Package auth issues and validates the sessions of the web UI. Operators
// authenticate either against local accounts (bcrypt) or against the Proxmox
// API of a designated auth node; both paths end in the same RS256 token pair.
// Refresh tokens are stored as SHA-256 hashes and rotated on every use.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

const (
	// refreshTokenDuration is the refresh token lifetime. Access tokens are
	// bounded by the configured session timeout; the refresh token is what
	// keeps a browser session alive across them.
	refreshTokenDuration = 7 * 24 * time.Hour

	// refreshTokenBytes is the raw entropy of a refresh token before hex
	// encoding.
	refreshTokenBytes = 32
)

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Service authenticates users and manages their sessions.
type Service struct {
	users    repositories.UserRepository
	tokens   repositories.RefreshTokenRepository
	nodes    repositories.NodeRepository
	settings repositories.SettingsRepository
	jwt      *JWTManager
	ticket   TicketValidator
	logger   *zap.Logger
}

// TicketValidator checks credentials against a Proxmox API. Satisfied by
// proxmoxTicketClient; tests substitute a stub.
type TicketValidator interface {
	ValidateTicket(ctx context.Context, node *db.Node, username, password string) error
}

// NewService creates the auth Service. A nil validator falls back to the
// HTTPS ticket client.
func NewService(
	users repositories.UserRepository,
	tokens repositories.RefreshTokenRepository,
	nodes repositories.NodeRepository,
	settings repositories.SettingsRepository,
	jwt *JWTManager,
	validator TicketValidator,
	logger *zap.Logger,
) *Service {
	if validator == nil {
		validator = newProxmoxTicketClient()
	}
	return &Service{
		users:    users,
		tokens:   tokens,
		nodes:    nodes,
		settings: settings,
		jwt:      jwt,
		ticket:   validator,
		logger:   logger.Named("auth"),
	}
}

// Login validates credentials according to the configured auth method and
// returns a token pair plus the user record.
func (s *Service) Login(ctx context.Context, username, password, userAgent, ip string) (*TokenPair, *db.User, error) {
	method := "local"
	if cfg, err := s.settings.GetSystemConfig(ctx, db.KeyAuthMethod); err == nil && cfg.Value != "" {
		method = cfg.Value
	}

	var (
		user *db.User
		err  error
	)
	switch method {
	case "proxmox":
		user, err = s.loginProxmox(ctx, username, password)
	default:
		user, err = s.loginLocal(ctx, username, password)
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrUserDisabled
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := s.users.Update(ctx, user); err != nil {
		s.logger.Warn("could not record login time",
			zap.String("username", username), zap.Error(err))
	}

	pair, err := s.issueTokenPair(ctx, user, userAgent, ip)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// loginLocal verifies a password against the stored bcrypt hash.
func (s *Service) loginLocal(ctx context.Context, username, password string) (*db.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching user: %w", err)
	}
	if user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// loginProxmox validates credentials against the auth node's API. A valid
// Proxmox identity that has no local record yet is created as a viewer, so
// access can be widened later by an admin rather than granted by default.
func (s *Service) loginProxmox(ctx context.Context, username, password string) (*db.User, error) {
	node, err := s.nodes.GetAuthNode(ctx)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNoAuthNode
		}
		return nil, fmt.Errorf("auth: fetching auth node: %w", err)
	}

	// Proxmox identities carry a realm; default to @pam when absent.
	proxmoxID := username
	if !strings.Contains(proxmoxID, "@") {
		proxmoxID += "@pam"
	}

	if err := s.ticket.ValidateTicket(ctx, node, proxmoxID, password); err != nil {
		s.logger.Info("proxmox login rejected",
			zap.String("username", proxmoxID), zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: fetching user: %w", err)
	}

	user = &db.User{
		Username:      username,
		AuthMethod:    "proxmox",
		ProxmoxUserID: proxmoxID,
		Role:          "viewer",
		IsActive:      true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("auth: creating proxmox user: %w", err)
	}
	s.logger.Info("created user from proxmox identity",
		zap.String("username", username))
	return user, nil
}

// Refresh rotates a refresh token and issues a new pair. The old token is
// revoked before the new one is issued, so a replayed token fails even when
// the issue step dies halfway.
func (s *Service) Refresh(ctx context.Context, rawToken, userAgent, ip string) (*TokenPair, *db.User, error) {
	stored, err := s.tokens.GetByHash(ctx, hashRefreshToken(rawToken))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, ErrRefreshTokenNotFound
		}
		return nil, nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}
	if stored.RevokedAt != nil {
		return nil, nil, ErrRefreshTokenNotFound
	}

	if err := s.tokens.Revoke(ctx, stored.ID); err != nil {
		return nil, nil, fmt.Errorf("auth: revoking old refresh token: %w", err)
	}
	if time.Now().After(stored.ExpiresAt) {
		return nil, nil, ErrTokenExpired
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, ErrRefreshTokenNotFound
		}
		return nil, nil, fmt.Errorf("auth: fetching user for refresh: %w", err)
	}
	if !user.IsActive {
		return nil, nil, ErrUserDisabled
	}

	pair, err := s.issueTokenPair(ctx, user, userAgent, ip)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Logout revokes a refresh token. An unknown token is a no-op; the client
// clears its cookie regardless.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	stored, err := s.tokens.GetByHash(ctx, hashRefreshToken(rawToken))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("auth: fetching refresh token on logout: %w", err)
	}
	if err := s.tokens.Revoke(ctx, stored.ID); err != nil {
		return fmt.Errorf("auth: revoking refresh token on logout: %w", err)
	}
	return nil
}

// ValidateAccessToken verifies a bearer token and returns its claims.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwt.ValidateAccessToken(tokenString)
}

// CurrentUser resolves the user behind a validated token's subject. The id
// comes from claims, a malformed one is treated as an unknown user.
func (s *Service) CurrentUser(ctx context.Context, userID string) (*db.User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("auth: fetching current user: %w", err)
	}
	return user, nil
}

func (s *Service) issueTokenPair(ctx context.Context, user *db.User, userAgent, ip string) (*TokenPair, error) {
	access, err := s.jwt.GenerateAccessToken(user.ID.String(), user.Username, user.Role)
	if err != nil {
		return nil, err
	}

	raw, err := generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: generating refresh token: %w", err)
	}

	expiresAt := time.Now().Add(refreshTokenDuration)
	if err := s.tokens.Create(ctx, &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: hashRefreshToken(raw),
		ExpiresAt: expiresAt,
		UserAgent: userAgent,
		IPAddress: ip,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:           access,
		RefreshToken:          raw,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

// HashPassword returns a bcrypt hash of the plaintext. Exported so the user
// handlers can hash without pulling in the whole service.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a bcrypt hash against a plaintext candidate.
func VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// hashRefreshToken returns the SHA-256 hex digest of a raw refresh token.
// Only the hash touches the database; the raw token lives in the cookie.
func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
