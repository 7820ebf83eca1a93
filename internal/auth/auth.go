// Package auth resolves an already-authenticated Principal from an inbound
// request, the way the request facade expects: bearer identities are
// resolved before reaching the coordination core (spec §1), so everything
// downstream of this package deals only in actor names.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Config configures the auth middleware.
type Config struct {
	JWTSecret string
	// DevLogin, when true, accepts an unsigned X-Actor-Id header. Intended
	// only for local development against the JWT auth path without a full
	// identity provider; never enabled by default.
	DevLogin bool
	Logger   *log.Logger
}

// Principal is the resolved caller identity handed to request handlers.
type Principal struct {
	Actor  string
	Source string
}

type principalKey struct{}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the Principal attached to ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ActorFromContext returns the resolved actor name or a huma unauthorized
// error suitable for returning directly from a handler.
func ActorFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := FromContext(ctx); ok && p.Actor != "" {
		return p.Actor, nil
	}
	return "", huma.Error401Unauthorized("authentication required")
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) (Principal, error) {
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
	return Principal{Actor: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// Middleware resolves a Principal from the Authorization header (or, when
// Config.DevLogin is set, the X-Actor-Id header) and attaches it to the
// request context. basePath requests outside the API surface pass through
// unauthenticated (e.g. health checks, OpenAPI documents).
func Middleware(basePath string, cfg Config) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || strings.HasPrefix(req.URL.Path, path.Join(basePath, "openapi")) || strings.HasPrefix(req.URL.Path, path.Join(basePath, "docs")) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			devActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondUnauthorized(w)
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondUnauthorized(w)
					return
				}
				next.ServeHTTP(w, req.WithContext(WithPrincipal(req.Context(), principal)))
				return
			}

			if devActor != "" && cfg.DevLogin {
				cfg.logger().Printf("WARNING: dev-login accepted unsigned actor %q via X-Actor-Id; never enable dev_login in production", devActor)
				principal := Principal{Actor: devActor, Source: "dev_login"}
				next.ServeHTTP(w, req.WithContext(WithPrincipal(req.Context(), principal)))
				return
			}

			respondUnauthorized(w)
		})
	}
}

func respondUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    "unauthorized",
		"message": "authentication required",
	})
}
