package auth

import "errors"

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("operator login is not configured")
	ErrInvalidHash        = errors.New("invalid password hash")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrWeakSecret         = errors.New("jwt secret too short")
	ErrForbidden          = errors.New("insufficient permissions")
)
