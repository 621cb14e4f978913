// Package auth validates bearer tokens and carries the caller's identity
// through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInvalidClaims    = errors.New("invalid token claims")
)

// Claims are the token claims the service reads. The subject is the user id.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	CommunityID string   `json:"community_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig selects the verification key. A PEM public key selects RS256,
// otherwise the shared secret is used with HS256.
type JWTConfig struct {
	SecretKey string
	PublicKey string
	Issuer    string
	Audience  []string
}

type JWTValidator struct {
	method    jwt.SigningMethod
	key       any
	issuer    string
	audience  []string
	parseOpts []jwt.ParserOption
}

func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	v := &JWTValidator{issuer: cfg.Issuer, audience: cfg.Audience}
	switch {
	case cfg.PublicKey != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		v.method, v.key = jwt.SigningMethodRS256, key
	case cfg.SecretKey != "":
		v.method, v.key = jwt.SigningMethodHS256, []byte(cfg.SecretKey)
	default:
		return nil, errors.New("a secret or public key is required")
	}

	v.parseOpts = []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		v.parseOpts = append(v.parseOpts, jwt.WithIssuer(v.issuer))
	}
	return v, nil
}

// ValidateToken checks signature, expiry, issuer and audience. A leading
// "Bearer " is stripped.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, v.parseOpts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("%w: invalid issuer", ErrInvalidClaims)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if len(v.audience) > 0 && !slices.ContainsFunc(v.audience, func(aud string) bool {
		return slices.Contains(claims.Audience, aud)
	}) {
		return nil, fmt.Errorf("%w: invalid audience", ErrInvalidClaims)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing user ID", ErrInvalidClaims)
	}
	return claims, nil
}

// JWTGenerator issues HS256 tokens. It backs the CLI's token command and
// tests; production tokens come from the identity provider.
type JWTGenerator struct {
	secret   []byte
	issuer   string
	audience []string
	ttl      time.Duration
	now      func() time.Time
}

func NewJWTGenerator(secret, issuer string, audience []string, ttl time.Duration) (*JWTGenerator, error) {
	if secret == "" {
		return nil, errors.New("secret key required for HS256")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTGenerator{secret: []byte(secret), issuer: issuer, audience: audience, ttl: ttl, now: time.Now}, nil
}

func (g *JWTGenerator) GenerateToken(userID, communityID string, roles []string) (string, error) {
	now := g.now()
	claims := &Claims{
		Roles:       roles,
		CommunityID: communityID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   userID,
			Audience:  g.audience,
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// UserContext is the authenticated caller.
type UserContext struct {
	UserID      string
	Email       string
	Roles       []string
	CommunityID string
}

func (u *UserContext) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

type contextKey struct{}

func GetUserFromContext(ctx context.Context) (*UserContext, error) {
	user, ok := ctx.Value(contextKey{}).(*UserContext)
	if !ok || user == nil {
		return nil, errors.New("user not found in context")
	}
	return user, nil
}

func SetUserInContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserIDFromContext returns the caller's id or "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	if u, err := GetUserFromContext(ctx); err == nil {
		return u.UserID
	}
	return ""
}
