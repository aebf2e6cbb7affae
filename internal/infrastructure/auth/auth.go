// Package auth turns bearer tokens issued by the identity collaborator into
// identity.Actor values. Tokens are verified, never issued.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

// Claims carried by collaborator-issued access tokens. The subject is the
// actor id.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	IsAuditor      bool   `json:"is_auditor"`
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

const (
	CodeMissingSecret = "AUTH_MISSING_SECRET"
	CodeInvalidToken  = "AUTH_INVALID_TOKEN"
	CodeTokenExpired  = "AUTH_TOKEN_EXPIRED"
	CodeInvalidClaims = "AUTH_INVALID_CLAIMS"
)

// TokenParser verifies HMAC-signed tokens
type TokenParser struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenParser creates a parser for cfg. An empty issuer disables the
// issuer check.
func NewTokenParser(cfg config.SecurityConfig) (*TokenParser, error) {
	if cfg.JWTSecret == "" {
		return nil, &AuthError{Code: CodeMissingSecret, Message: "jwt secret is not configured"}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}

	return &TokenParser{
		secret: []byte(cfg.JWTSecret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// ParseActor verifies token and maps its claims onto an Actor
func (p *TokenParser) ParseActor(token string) (identity.Actor, error) {
	claims := &Claims{}
	_, err := p.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return identity.Actor{}, &AuthError{Code: CodeTokenExpired, Message: "token expired", Cause: err}
		}
		return identity.Actor{}, &AuthError{Code: CodeInvalidToken, Message: "invalid token", Cause: err}
	}

	return claims.Actor()
}

// Actor converts verified claims into an Actor
func (c *Claims) Actor() (identity.Actor, error) {
	actorID, err := uuid.Parse(c.Subject)
	if err != nil {
		return identity.Actor{}, &AuthError{Code: CodeInvalidClaims, Message: "subject is not a valid actor id", Cause: err}
	}
	orgID, err := uuid.Parse(c.OrganizationID)
	if err != nil {
		return identity.Actor{}, &AuthError{Code: CodeInvalidClaims, Message: "organization_id is not a valid id", Cause: err}
	}
	role, err := identity.ParseRole(c.Role)
	if err != nil {
		return identity.Actor{}, &AuthError{Code: CodeInvalidClaims, Message: "role claim rejected", Cause: err}
	}

	return identity.Actor{
		ID:             actorID,
		OrganizationID: orgID,
		Role:           role,
		AuditorFlag:    c.IsAuditor,
	}, nil
}
