package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zabview/zabview/internal/cache"
	"github.com/zabview/zabview/internal/config"
	"github.com/zabview/zabview/internal/events"
	"github.com/zabview/zabview/internal/metrics"
	"github.com/zabview/zabview/internal/ratelimit"
	"github.com/zabview/zabview/internal/snapshot"
)

const dashboardCacheKey = "dashboard:view"

var errNoSnapshot = errors.New("server: no snapshot published yet")

// Router assembles the dashboard's HTTP surface: health, metrics, the cached
// dashboard view, the live event socket, and the cache admin endpoints, each
// behind its rate-limit policy.
type Router struct {
	logger    *slog.Logger
	rec       *metrics.Recorder
	cache     *cache.Cache
	snapshots *snapshot.Store
	ws        *events.WSHandler
	cacheTTL  time.Duration
	authToken string
}

// NewRouter wires the handlers and returns the root handler.
func NewRouter(
	cfg config.Config,
	logger *slog.Logger,
	rec *metrics.Recorder,
	dataCache *cache.Cache,
	snapshots *snapshot.Store,
	hub *events.Hub,
	limiter *ratelimit.Limiter,
	policies ratelimit.Policies,
) http.Handler {
	rt := &Router{
		logger:    logger.With(slog.String("agent", "router")),
		rec:       rec,
		cache:     dataCache,
		snapshots: snapshots,
		cacheTTL:  time.Duration(cfg.Server.Cache.TTLSeconds) * time.Second,
		authToken: cfg.Server.Auth.Token,
	}
	rt.ws = events.NewWSHandler(hub, logger, func(context.Context) any {
		if snap := snapshots.Current(); snap != nil {
			return snap.View()
		}
		return nil
	})

	general := limiter.Middleware(policies.General)
	api := limiter.Middleware(policies.API)
	auth := limiter.Middleware(policies.Auth)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", general(http.HandlerFunc(rt.handleHealth)))
	mux.Handle("GET /metrics", general(rec.Handler()))
	mux.Handle("GET /api/dashboard", api(http.HandlerFunc(rt.handleDashboard)))
	mux.Handle("GET /api/events", api(rt.ws))
	mux.Handle("GET /api/cache/stats", api(http.HandlerFunc(rt.handleCacheStats)))
	mux.Handle("POST /api/cache/invalidate", api(http.HandlerFunc(rt.handleCacheInvalidate)))
	mux.Handle("POST /auth", auth(http.HandlerFunc(rt.handleAuth)))
	return mux
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if snap := rt.snapshots.Current(); snap != nil {
		body["lastSnapshot"] = snap.Timestamp
	}
	rt.writeJSON(w, http.StatusOK, body)
}

// handleDashboard serves the aggregate view through the cache so repeated
// refreshes inside one TTL hit the stored serialization instead of
// re-marshaling the snapshot.
func (rt *Router) handleDashboard(w http.ResponseWriter, r *http.Request) {
	payload, err := rt.cache.GetOrCompute(r.Context(), dashboardCacheKey, rt.cacheTTL, func(context.Context) ([]byte, error) {
		snap := rt.snapshots.Current()
		if snap == nil {
			return nil, errNoSnapshot
		}
		return json.Marshal(snap.View())
	})
	if err != nil {
		if errors.Is(err, errNoSnapshot) {
			rt.writeError(w, http.StatusServiceUnavailable, "no snapshot available yet")
			return
		}
		rt.logger.Warn("dashboard view failed", slog.Any("error", err))
		rt.writeError(w, http.StatusInternalServerError, "dashboard view unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (rt *Router) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.cache.Stats(r.Context())
	if err != nil {
		rt.logger.Warn("cache stats failed", slog.Any("error", err))
		rt.writeError(w, http.StatusInternalServerError, "cache stats unavailable")
		return
	}
	rt.writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		rt.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.Pattern == "" {
		body.Pattern = r.URL.Query().Get("pattern")
	}

	var (
		removed int64
		err     error
	)
	pattern := strings.TrimSpace(body.Pattern)
	if pattern == "" || pattern == "*" {
		removed, err = rt.cache.InvalidateAll(r.Context())
	} else {
		removed, err = rt.cache.InvalidatePattern(r.Context(), pattern)
	}
	if err != nil {
		if errors.Is(err, cache.ErrInvalidPattern) {
			rt.writeError(w, http.StatusBadRequest, "invalid pattern")
			return
		}
		rt.logger.Warn("cache invalidation failed", slog.String("pattern", pattern), slog.Any("error", err))
		rt.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// handleAuth is a deliberately thin token check whose purpose is to sit behind
// the strict auth policy: repeated failures trip the escalating lockout.
func (rt *Router) handleAuth(w http.ResponseWriter, r *http.Request) {
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if rt.authToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(rt.authToken)) != 1 {
		rt.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rt.logger.Debug("response encode failed", slog.Any("error", err))
	}
}

func (rt *Router) writeError(w http.ResponseWriter, status int, message string) {
	rt.writeJSON(w, status, map[string]string{"error": message})
}
