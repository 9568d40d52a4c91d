// Package auth - jwt.go issues and verifies the HS256 bearer tokens that guard the API.
// The token subject is the numeric users.id of the actor, which the ingest endpoint
// falls back to when a request does not name a user_id itself.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/auditlogs/auditlogs/internal/config"
)

// minSecretLength is the recommended HS256 secret length
const minSecretLength = 32

// Claims represents the JWT claims structure
type Claims struct {
	Email  string   `json:"email,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// ActorID returns the subject as a users.id when it is numeric
func (c *Claims) ActorID() (int64, bool) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// TokenIssuer signs and verifies tokens with a shared secret
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer from the auth configuration.
// An empty secret is an error; a short one only logs a warning.
func NewTokenIssuer(cfg *config.AuthConfig) (*TokenIssuer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required to issue or verify tokens (generate one with: openssl rand -hex 32)")
	}
	if len(cfg.JWTSecret) < minSecretLength {
		slog.Warn("auth.jwt_secret is shorter than recommended", "length", len(cfg.JWTSecret), "recommended", minSecretLength)
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &TokenIssuer{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// GenerateJWT creates a token for the given user; expiresIn <= 0 uses the configured TTL
// and an empty scope list grants GetDefaultScopes.
func (t *TokenIssuer) GenerateJWT(userID int64, email string, scopes []string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = t.ttl
	}
	if len(scopes) == 0 {
		scopes = GetDefaultScopes()
	}
	if err := ValidateScopes(scopes); err != nil {
		return "", err
	}
	now := t.now()

	claims := &Claims{
		Email:  email,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    t.issuer,
			Subject:   strconv.FormatInt(userID, 10),
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateJWT parses and validates a token: HS256 only, unexpired, issued by us
func (t *TokenIssuer) ValidateJWT(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
