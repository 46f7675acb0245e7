package auth

import "errors"

var (
	// ErrSessionNotFound indicates the provided refresh token does not map to an active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRefreshTokenExpired indicates the refresh token has expired and cannot be used.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrInvalidAccessToken indicates a bearer token that is malformed, forged or expired.
	ErrInvalidAccessToken = errors.New("invalid access token")
	// ErrSessionExpired means the credential pair could not be refreshed and the
	// caller must log in again.
	ErrSessionExpired = errors.New("session expired")
)
