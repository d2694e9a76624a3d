package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/nerrad567/fusor-core/internal/infrastructure/config"
)

// Authenticator checks operator credentials and issues tokens.
type Authenticator struct {
	username     string
	passwordHash string
	issuer       *Issuer
}

// NewAuthenticator builds an authenticator from the security section.
// An empty password hash leaves login disabled; tokens can still be
// parsed.
func NewAuthenticator(cfg config.SecurityConfig) (*Authenticator, error) {
	issuer, err := NewIssuer(cfg.JWT.Secret, cfg.JWT.AccessTokenTTLDuration())
	if err != nil {
		return nil, err
	}
	if cfg.Operator.PasswordHash != "" {
		if _, _, _, err := decodePHC(cfg.Operator.PasswordHash); err != nil {
			return nil, fmt.Errorf("operator password hash: %w", err)
		}
	}
	return &Authenticator{
		username:     cfg.Operator.Username,
		passwordHash: cfg.Operator.PasswordHash,
		issuer:       issuer,
	}, nil
}

// Login verifies the operator's credentials and issues an operator token.
// A wrong username still pays for a hash so the two failures take the
// same time.
func (a *Authenticator) Login(username, password string) (Token, error) {
	if a.passwordHash == "" {
		return Token{}, ErrLoginDisabled
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK, err := VerifyPassword(password, a.passwordHash)
	if err != nil {
		return Token{}, err
	}
	if !userOK || !passOK {
		return Token{}, ErrInvalidCredentials
	}
	return a.issuer.Issue(Principal{Username: a.username, Role: RoleOperator})
}

// Issue signs a token for p without checking credentials.
func (a *Authenticator) Issue(p Principal) (Token, error) {
	return a.issuer.Issue(p)
}

// Authenticate parses a bearer token.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	claims, err := a.issuer.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal(), nil
}

// Authorize checks that p holds perm.
func Authorize(p Principal, perm Permission) error {
	if !HasPermission(p.Role, perm) {
		return errors.Join(ErrForbidden, fmt.Errorf("role %q lacks %s", p.Role, perm))
	}
	return nil
}
