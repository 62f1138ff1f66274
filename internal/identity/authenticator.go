// Package identity authenticates operators from bearer tokens and exposes
// the caller's facility and operator id to the domain services.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing claim")
	ErrEmptySecret  = errors.New("jwt secret is required")
)

// Claims are the bearer token claims of an operator.
type Claims struct {
	FacilityID string      `json:"facility_id"`
	Role       domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Config configures token validation.
type Config struct {
	SecretKey string
	// Issuer is enforced when set.
	Issuer string
}

// Authenticator validates HS256 operator tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(config Config) (*Authenticator, error) {
	if config.SecretKey == "" {
		return nil, ErrEmptySecret
	}
	return &Authenticator{
		secret: []byte(config.SecretKey),
		issuer: config.Issuer,
		now:    time.Now,
	}, nil
}

// ValidateToken parses token and returns the operator it names.
func (a *Authenticator) ValidateToken(_ context.Context, token string) (domain.Operator, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	switch {
	case strings.TrimSpace(claims.Subject) == "":
		return domain.Operator{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	case strings.TrimSpace(claims.FacilityID) == "":
		return domain.Operator{}, fmt.Errorf("%w: facility_id", ErrMissingClaim)
	}

	role := claims.Role
	if role == "" {
		role = domain.RoleUser
	}
	if !role.HasPermission(domain.RoleUser) {
		return domain.Operator{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return domain.Operator{
		ID:         claims.Subject,
		FacilityID: claims.FacilityID,
		Role:       role,
	}, nil
}

// IssueToken signs a token for operator valid for ttl.
func (a *Authenticator) IssueToken(operator domain.Operator, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		FacilityID: operator.FacilityID,
		Role:       operator.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
