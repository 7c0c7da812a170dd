package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"cellarline/internal/domain"
	"cellarline/internal/engine"
	"cellarline/internal/observability"
	"cellarline/internal/repo"
	"cellarline/internal/tenant"
)

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// Principal is an authenticated staff user bound to exactly one winery.
type Principal struct {
	UserID   string
	WineryID string
	Source   string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// scopeFor checks that the caller belongs to the winery named in the path.
// Another tenant's winery is reported as missing, not forbidden.
func scopeFor(ctx context.Context, wineryID string) (tenant.Scope, *string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return tenant.Scope{}, nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.WineryID != wineryID {
		return tenant.Scope{}, nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	user := p.UserID
	return tenant.Scope{WineryID: wineryID}, &user, nil
}

// requirePermission checks perm for the caller inside the path winery.
func requirePermission(ctx context.Context, e engine.Engine, wineryID, perm string) (tenant.Scope, *string, huma.StatusError) {
	scope, actor, serr := scopeFor(ctx, wineryID)
	if serr != nil {
		return scope, nil, serr
	}
	if err := e.Auth.Require(ctx, nil, wineryID, actor, perm); err != nil {
		return scope, nil, handleError(ctx, err)
	}
	return scope, actor, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	WineryID string `json:"winery_id"`
}

func authenticateJWT(token string, cfg AuthConfig) (Principal, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	claims := &jwtClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.WineryID == "" {
		return Principal{}, errors.New("sub and winery_id claims required")
	}
	return Principal{UserID: claims.Subject, WineryID: claims.WineryID, Source: "jwt"}, nil
}

// IssueJWT signs a staff token for userID in wineryID. Used by the CLI.
func IssueJWT(cfg AuthConfig, userID, wineryID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		WineryID: wineryID,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: apiKey.UserID, WineryID: apiKey.WineryID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// isPublicPath reports the routes served without credentials: health and the
// member redemption links.
func isPublicPath(basePath, p string) bool {
	return p == path.Join(basePath, "health") || strings.HasPrefix(p, path.Join(basePath, "member-actions")+"/")
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath+"/") || isPublicPath(basePath, req.URL.Path) ||
				req.URL.Path == path.Join(basePath, "openapi.json") {
				next.ServeHTTP(w, req)
				return
			}

			var (
				principal Principal
				err       error
			)
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg)
			case apiKeyHeader != "":
				principal, err = authenticateAPIKey(req.Context(), r, apiKeyHeader)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					observability.LoggerFromContext(req.Context()).Warn("authentication failed", "err", err)
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), principal)
			ctx = observability.WithWineryID(ctx, principal.WineryID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
