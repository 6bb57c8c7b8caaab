package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"

	"github.com/zabview/zabview/internal/cache"
	"github.com/zabview/zabview/internal/config"
	"github.com/zabview/zabview/internal/events"
	"github.com/zabview/zabview/internal/ratelimit"
	"github.com/zabview/zabview/internal/snapshot"
)

type routerFixture struct {
	expect    *httpexpect.Expect
	snapshots *snapshot.Store
	cache     *cache.Cache
}

func newRouterFixture(t *testing.T, mutate func(*config.Config)) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.Server.Auth.Token = "letmein"
	if mutate != nil {
		mutate(&cfg)
	}

	dataCache := cache.New(cache.NewMemory(0), logger, nil)
	snapshots := snapshot.NewStore()
	hub := events.NewHub(logger, nil)
	limiter := ratelimit.NewLimiter(logger, nil, 0)
	t.Cleanup(limiter.Close)
	t.Cleanup(func() { _ = dataCache.Close(t.Context()) })

	handler := NewRouter(cfg, logger, nil, dataCache, snapshots, hub, limiter, ratelimit.PoliciesFromConfig(cfg.RateLimit))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &routerFixture{
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   &http.Client{Timeout: 5 * time.Second},
		}),
		snapshots: snapshots,
		cache:     dataCache,
	}
}

func testSnapshot(problems int) *snapshot.Snapshot {
	snap := &snapshot.Snapshot{
		Timestamp:    time.Now().UTC(),
		Hosts:        []snapshot.Host{{ID: "H1", Name: "web-1", Enabled: true, Available: true}},
		EnabledHosts: 1,
		OnlineHosts:  1,
	}
	for i := 0; i < problems; i++ {
		snap.Problems = append(snap.Problems, snapshot.Problem{
			ID:       "P" + string(rune('1'+i)),
			Name:     "problem",
			Severity: 4,
		})
		snap.SeverityCounts[4]++
	}
	return snap
}

func TestHealthz(t *testing.T) {
	fx := newRouterFixture(t, nil)

	fx.expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")

	fx.snapshots.Publish(testSnapshot(0))
	fx.expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().ContainsKey("lastSnapshot")
}

func TestDashboardBeforeFirstPoll(t *testing.T) {
	fx := newRouterFixture(t, nil)

	fx.expect.GET("/api/dashboard").Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().ContainsKey("error")
}

func TestDashboardServesCachedView(t *testing.T) {
	fx := newRouterFixture(t, nil)
	fx.snapshots.Publish(testSnapshot(1))

	view := fx.expect.GET("/api/dashboard").Expect().
		Status(http.StatusOK).
		JSON().Object()
	view.HasValue("hostCount", 1)
	view.Value("activeProblems").Array().Length().IsEqual(1)

	// A newer snapshot is invisible until the cached serialization expires or
	// is invalidated.
	fx.snapshots.Publish(testSnapshot(2))
	fx.expect.GET("/api/dashboard").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("activeProblems").Array().Length().IsEqual(1)

	fx.expect.POST("/api/cache/invalidate").WithJSON(map[string]string{"pattern": "dashboard:*"}).Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("removed", 1)

	fx.expect.GET("/api/dashboard").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("activeProblems").Array().Length().IsEqual(2)
}

func TestCacheStatsAndInvalidate(t *testing.T) {
	fx := newRouterFixture(t, nil)
	fx.snapshots.Publish(testSnapshot(1))

	fx.expect.GET("/api/dashboard").Expect().Status(http.StatusOK)

	stats := fx.expect.GET("/api/cache/stats").Expect().
		Status(http.StatusOK).
		JSON().Object()
	stats.HasValue("entryCount", 1)
	stats.HasValue("missCount", 1)

	// No pattern wipes everything.
	fx.expect.POST("/api/cache/invalidate").Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("removed", 1)

	fx.expect.POST("/api/cache/invalidate").WithJSON(map[string]string{"pattern": "["}).Expect().
		Status(http.StatusBadRequest)
}

func TestAuthEndpointAndLockout(t *testing.T) {
	fx := newRouterFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.Auth = config.PolicyConfig{Max: 3, WindowSeconds: 60, BlockSeconds: 900}
	})

	fx.expect.POST("/auth").WithHeader("Authorization", "Bearer letmein").Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("authenticated", true)

	fx.expect.POST("/auth").WithHeader("Authorization", "Bearer wrong").Expect().
		Status(http.StatusUnauthorized)

	// Third attempt exhausts the window; the fourth trips the lockout with the
	// full block duration in Retry-After.
	fx.expect.POST("/auth").WithHeader("Authorization", "Bearer wrong").Expect().
		Status(http.StatusUnauthorized)
	resp := fx.expect.POST("/auth").WithHeader("Authorization", "Bearer wrong").Expect().
		Status(http.StatusTooManyRequests)
	resp.Header("Retry-After").IsEqual("900")
	resp.JSON().Object().HasValue("error", "rate limited")
}

func TestUnknownRoutes(t *testing.T) {
	fx := newRouterFixture(t, nil)

	fx.expect.GET("/api/unknown").Expect().Status(http.StatusNotFound)
	fx.expect.DELETE("/healthz").Expect().Status(http.StatusMethodNotAllowed)
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	fx := newRouterFixture(t, func(cfg *config.Config) {
		cfg.Server.Auth.Token = ""
	})

	fx.expect.POST("/auth").WithHeader("Authorization", "Bearer anything").Expect().
		Status(http.StatusUnauthorized)
}
