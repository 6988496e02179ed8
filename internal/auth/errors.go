package auth

import "errors"

// Sentinel errors returned by the auth service. Callers use errors.Is.
var (
	// ErrInvalidCredentials is returned when username/password do not match.
	// Also covers unknown usernames so login responses do not reveal which
	// accounts exist.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserDisabled is returned when the account is inactive.
	ErrUserDisabled = errors.New("auth: user account is disabled")

	// ErrTokenExpired is returned when a JWT or refresh token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when the refresh token does not
	// exist or has already been rotated out.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")

	// ErrNoAuthNode is returned when Proxmox authentication is configured but
	// no node is marked as the authentication endpoint.
	ErrNoAuthNode = errors.New("auth: no proxmox auth node configured")
)
