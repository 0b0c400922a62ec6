package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"restline/internal/config"
	"restline/internal/dispatch"
	"restline/internal/envelope"
)

// AuthConfig enables bearer-token authentication. An empty JWTSecret leaves
// every request anonymous.
type AuthConfig struct {
	JWTSecret string
}

type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

// Has reports whether the principal holds perm. "*" grants everything.
func (p Principal) Has(perm string) bool {
	for _, held := range p.Permissions {
		if held == perm || held == "*" {
			return true
		}
	}
	return false
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

// SignToken issues an HS256 token for actor. A zero ttl means no expiry.
func SignToken(secret, actor string, roles, perms []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if actor == "" {
		return "", errors.New("actor is required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actor,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles:       roles,
		Permissions: perms,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(cfg AuthConfig, stackTraces bool, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if cfg.JWTSecret == "" || req.URL.Path == "/admin/health" {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				writeFailure(w, req, stackTraces, envelope.Unauthorized("authentication required"))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				writeFailure(w, req, stackTraces, envelope.Unauthorized("invalid credentials"))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				log.Debug("rejected token", zap.String("request_id", requestIDFrom(req.Context())), zap.Error(err))
				writeFailure(w, req, stackTraces, envelope.Unauthorized("invalid credentials"))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// PermissionFilter rejects calls whose method requires a permission the
// principal lacks. perms maps "<resource>.<operation>" patterns to permissions.
func PermissionFilter(perms map[string]string) dispatch.Filter {
	return dispatch.RequestFilter(func(ctx context.Context, c *dispatch.Call) error {
		perm, ok := config.Lookup(perms, c.Resource.Name, c.Operation())
		if !ok {
			return nil
		}
		p, ok := principalFromContext(ctx)
		if !ok {
			return envelope.Unauthorized("authentication required")
		}
		if !p.Has(perm) {
			return envelope.Forbidden("%s lacks permission %s for %s", p.ActorID, perm, c).
				WithDetails("restline.auth.PermissionDetails", map[string]any{"permission": perm})
		}
		return nil
	})
}
