package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"resonance-backend/pkg/auth"
	pkgerrors "resonance-backend/pkg/errors"
)

// RoleAdmin may run community-wide operations.
const RoleAdmin = "admin"

// Headers set by the Lambda adapter after API Gateway's JWT authorizer has
// accepted the token.
const (
	HeaderGatewayAuthorized = "X-API-Gateway-Authorized"
	HeaderUserID            = "X-User-ID"
	HeaderUserRoles         = "X-User-Roles"
)

// AuthConfig configures Authenticate. With a nil Validator every request is
// treated as a local admin, which is only allowed outside production.
type AuthConfig struct {
	Validator *auth.JWTValidator
	// TrustGateway accepts identities forwarded by the Lambda adapter.
	TrustGateway bool
	Errors       *pkgerrors.ErrorHandler
	Logger       *zap.Logger
}

// Authenticate resolves the caller and stores it with auth.SetUserInContext.
func Authenticate(cfg AuthConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := resolveUser(cfg, r)
			if err != nil {
				cfg.Logger.Debug("request rejected",
					zap.String("path", r.URL.Path),
					zap.String("ip", clientIP(r)),
					zap.Error(err),
				)
				cfg.Errors.Handle(w, r, pkgerrors.NewUnauthorizedError(unauthorizedMessage(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.SetUserInContext(r.Context(), user)))
		})
	}
}

func resolveUser(cfg AuthConfig, r *http.Request) (*auth.UserContext, error) {
	if cfg.TrustGateway && r.Header.Get(HeaderGatewayAuthorized) == "true" {
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			return nil, auth.ErrInvalidClaims
		}
		return &auth.UserContext{UserID: userID, Roles: splitRoles(r.Header.Get(HeaderUserRoles))}, nil
	}

	if cfg.Validator == nil {
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			userID = "local"
		}
		return &auth.UserContext{UserID: userID, Roles: []string{RoleAdmin}}, nil
	}

	token := extractToken(r)
	if token == "" {
		return nil, auth.ErrMissingToken
	}
	claims, err := cfg.Validator.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &auth.UserContext{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Roles:       claims.Roles,
		CommunityID: claims.CommunityID,
	}, nil
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "Missing authentication token"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token has expired"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func splitRoles(header string) []string {
	var roles []string
	for _, role := range strings.Split(header, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}

// RequireRole rejects callers holding none of roles.
func RequireRole(errs *pkgerrors.ErrorHandler, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.GetUserFromContext(r.Context())
			if err != nil {
				errs.Handle(w, r, pkgerrors.NewUnauthorizedError(""))
				return
			}
			for _, role := range roles {
				if user.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			errs.Handle(w, r, pkgerrors.NewForbiddenError("insufficient permissions"))
		})
	}
}

// RateLimit throttles by authenticated user, falling back to client IP.
func RateLimit(limiter *auth.KeyedLimiter, errs *pkgerrors.ErrorHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := auth.UserIDFromContext(r.Context())
			if key == "" {
				key = "ip:" + clientIP(r)
			}
			if !limiter.Allow(r.Context(), key) {
				w.Header().Set("Retry-After", "1")
				errs.Handle(w, r, pkgerrors.NewRateLimitedError("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP expects chi's RealIP middleware to have normalised RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
