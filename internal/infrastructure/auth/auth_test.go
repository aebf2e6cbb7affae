package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

const testSecret = "test-secret-key-for-tokens"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims(actorID, orgID uuid.UUID, role string, auditor bool) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "identity",
			Subject:   actorID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		OrganizationID: orgID.String(),
		Role:           role,
		IsAuditor:      auditor,
	}
}

func authCode(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}

func TestNewTokenParserRequiresSecret(t *testing.T) {
	_, err := NewTokenParser(config.SecurityConfig{})
	assert.Equal(t, CodeMissingSecret, authCode(err))
}

func TestParseActor(t *testing.T) {
	parser, err := NewTokenParser(config.SecurityConfig{JWTSecret: testSecret, JWTIssuer: "identity"})
	require.NoError(t, err)
	actorID, orgID := uuid.New(), uuid.New()

	t.Run("valid owner token", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(actorID, orgID, "owner", false))

		actor, err := parser.ParseActor(token)
		require.NoError(t, err)
		assert.Equal(t, actorID, actor.ID)
		assert.Equal(t, orgID, actor.OrganizationID)
		assert.Equal(t, identity.RoleOwner, actor.Role)
		assert.False(t, actor.IsAuditor())
	})

	t.Run("auditor flag on non-auditor role", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(actorID, orgID, "accountant", true))

		actor, err := parser.ParseActor(token)
		require.NoError(t, err)
		assert.True(t, actor.IsAuditor())
	})

	tests := []struct {
		name   string
		token  func(t *testing.T) string
		expect string
	}{
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims(actorID, orgID, "owner", false))
			},
			expect: CodeInvalidToken,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				c := validClaims(actorID, orgID, "owner", false)
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			expect: CodeTokenExpired,
		},
		{
			name: "missing expiry",
			token: func(t *testing.T) string {
				c := validClaims(actorID, orgID, "owner", false)
				c.ExpiresAt = nil
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			expect: CodeInvalidToken,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				c := validClaims(actorID, orgID, "owner", false)
				c.Issuer = "someone-else"
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			expect: CodeInvalidToken,
		},
		{
			name: "unsigned token",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims(actorID, orgID, "owner", false))
			},
			expect: CodeInvalidToken,
		},
		{
			name: "unknown role",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(actorID, orgID, "superuser", false))
			},
			expect: CodeInvalidClaims,
		},
		{
			name: "subject is not a uuid",
			token: func(t *testing.T) string {
				c := validClaims(actorID, orgID, "owner", false)
				c.Subject = "user-42"
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			expect: CodeInvalidClaims,
		},
		{
			name: "garbage",
			token: func(t *testing.T) string {
				return "not.a.token"
			},
			expect: CodeInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseActor(tt.token(t))
			require.Error(t, err)
			assert.Equal(t, tt.expect, authCode(err))
		})
	}
}
