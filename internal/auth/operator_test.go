package auth

import (
	"errors"
	"testing"

	"github.com/nerrad567/fusor-core/internal/infrastructure/config"
)

func newAuthenticator(t *testing.T, hash string) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(config.SecurityConfig{
		JWT:      config.JWTConfig{Secret: testSecret, AccessTokenTTL: 5},
		Operator: config.OperatorConfig{Username: "operator", PasswordHash: hash},
	})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func TestLogin(t *testing.T) {
	hash, err := HashPasswordWith("s3cret", cheap)
	if err != nil {
		t.Fatal(err)
	}
	a := newAuthenticator(t, hash)

	tok, err := a.Login("operator", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	p, err := a.Authenticate(tok.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.Username != "operator" || p.Role != RoleOperator {
		t.Errorf("principal = %+v", p)
	}

	for _, creds := range [][2]string{{"operator", "wrong"}, {"someone", "s3cret"}, {"", ""}} {
		if _, err := a.Login(creds[0], creds[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%q, %q) error = %v, want ErrInvalidCredentials", creds[0], creds[1], err)
		}
	}
}

func TestLogin_Disabled(t *testing.T) {
	a := newAuthenticator(t, "")
	if _, err := a.Login("operator", "anything"); !errors.Is(err, ErrLoginDisabled) {
		t.Errorf("Login() error = %v, want ErrLoginDisabled", err)
	}

	tok, err := a.Issue(Principal{Username: "panel", Role: RoleViewer})
	if err != nil {
		t.Fatal(err)
	}
	if p, err := a.Authenticate(tok.AccessToken); err != nil || p.Role != RoleViewer {
		t.Errorf("Authenticate() = %+v, %v", p, err)
	}
}

func TestNewAuthenticator_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SecurityConfig
	}{
		{"weak secret", config.SecurityConfig{JWT: config.JWTConfig{Secret: "short"}}},
		{"malformed hash", config.SecurityConfig{
			JWT:      config.JWTConfig{Secret: testSecret},
			Operator: config.OperatorConfig{Username: "operator", PasswordHash: "plaintext"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAuthenticator(tt.cfg); err == nil {
				t.Error("NewAuthenticator() succeeded")
			}
		})
	}
}
