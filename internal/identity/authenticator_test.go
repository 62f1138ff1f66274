package identity

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestAuthenticator(t *testing.T, issuer string) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Config{SecretKey: "test-secret", Issuer: issuer})
	require.NoError(t, err)
	a.now = func() time.Time { return testNow }
	return a
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(Config{})
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := newTestAuthenticator(t, "sterility-garden")
	operator := domain.Operator{ID: "op-1", FacilityID: "facility-1", Role: domain.RoleOperator}

	token, err := a.IssueToken(operator, time.Hour)
	require.NoError(t, err)

	got, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, operator, got)
}

func TestAuthenticator_DefaultRole(t *testing.T) {
	a := newTestAuthenticator(t, "")

	token := sign(t, jwt.SigningMethodHS256, []byte("test-secret"), Claims{
		FacilityID: "facility-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-1",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	})

	got, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, got.Role)
}

func TestAuthenticator_Rejects(t *testing.T) {
	valid := func() Claims {
		return Claims{
			FacilityID: "facility-1",
			Role:       domain.RoleAdmin,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "op-1",
				Issuer:    "sterility-garden",
				ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
			},
		}
	}

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr error
	}{
		{
			name:    "garbage",
			token:   func(*testing.T) string { return "not-a-jwt" },
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte("other-secret"), valid())
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong algorithm",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS512, []byte("test-secret"), valid())
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				c := valid()
				c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
				return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "no expiry",
			token: func(t *testing.T) string {
				c := valid()
				c.ExpiresAt = nil
				return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				c := valid()
				c.Issuer = "someone-else"
				return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "missing subject",
			token: func(t *testing.T) string {
				c := valid()
				c.Subject = ""
				return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c)
			},
			wantErr: ErrMissingClaim,
		},
		{
			name: "missing facility",
			token: func(t *testing.T) string {
				c := valid()
				c.FacilityID = " "
				return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c)
			},
			wantErr: ErrMissingClaim,
		},
		{
			name: "unknown role",
			token: func(t *testing.T) string {
				c := valid()
				c.Role = "superuser"
				return sign(t, jwt.SigningMethodHS256, []byte("test-secret"), c)
			},
			wantErr: ErrInvalidToken,
		},
	}

	a := newTestAuthenticator(t, "sterility-garden")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ValidateToken(context.Background(), tt.token(t))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
