package relayd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"gasrelay/core"
	"gasrelay/core/types"
	"gasrelay/observability/logging"
)

const (
	// ScopeExecutor grants core.CapExecutor.
	ScopeExecutor = "executor"
	// ScopeAdmin grants core.CapAdmin.
	ScopeAdmin = "admin"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

type contextKey string

const callerContextKey contextKey = "relayd.caller"

// Authenticator turns bearer credentials into core.Caller values.
type Authenticator struct {
	secret     []byte
	issuer     string
	audience   string
	scopeClaim string
	leeway     time.Duration
	adminToken string
	logger     *slog.Logger
}

// NewAuthenticator builds an authenticator from the auth and admin sections.
func NewAuthenticator(auth AuthConfig, admin AdminConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(auth.HMACSecret)
	if secret == "" {
		return nil, fmt.Errorf("hmac secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	scopeClaim := auth.ScopeClaim
	if scopeClaim == "" {
		scopeClaim = "scope"
	}
	return &Authenticator{
		secret:     []byte(secret),
		issuer:     auth.Issuer,
		audience:   auth.Audience,
		scopeClaim: scopeClaim,
		leeway:     auth.ClockSkew.Duration,
		adminToken: strings.TrimSpace(admin.BearerToken),
		logger:     logger,
	}, nil
}

// Authenticate validates the JWT on r. The subject must be a non-zero
// address; scopes map onto capabilities.
func (a *Authenticator) Authenticate(r *http.Request) (core.Caller, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return core.Caller{}, errMissingToken
	}
	claims, err := a.parseToken(token)
	if err != nil {
		a.logger.Warn("token validation failed", "error", err, logging.MaskField("token", token))
		return core.Caller{}, errInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return core.Caller{}, errInvalidToken
	}
	addr, err := types.ParseAccount(subject)
	if err != nil {
		return core.Caller{}, fmt.Errorf("%w: subject is not an account", errInvalidToken)
	}
	return core.Caller{Address: addr, Capabilities: capabilitiesFor(extractScopes(claims, a.scopeClaim))}, nil
}

// AuthenticateAdmin accepts the static admin token or a JWT with the admin
// scope.
func (a *Authenticator) AuthenticateAdmin(r *http.Request) (core.Caller, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return core.Caller{}, errMissingToken
	}
	if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1 {
		return core.Caller{Capabilities: core.CapAdmin}, nil
	}
	return a.Authenticate(r)
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// requireCaller authenticates every request and stores the caller in the
// request context.
func (a *Authenticator) requireCaller(admin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authenticate := a.Authenticate
			if admin {
				authenticate = a.AuthenticateAdmin
			}
			caller, err := authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerContextKey, caller)))
		})
	}
}

func callerFrom(ctx context.Context) core.Caller {
	caller, _ := ctx.Value(callerContextKey).(core.Caller)
	return caller
}

func capabilitiesFor(scopes []string) core.Capabilities {
	var caps core.Capabilities
	for _, scope := range scopes {
		switch strings.ToLower(scope) {
		case ScopeExecutor:
			caps |= core.CapExecutor
		case ScopeAdmin:
			caps |= core.CapAdmin
		}
	}
	return caps
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
