package ratelimit

import (
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zabview/zabview/internal/config"
	"github.com/zabview/zabview/internal/metrics"
)

// Policy is one fixed-window rate limit. A zero Block disables the escalating
// lockout so exhausted windows simply reset.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
	Block  time.Duration
}

// Policies bundles the three named policies the dashboard enforces.
type Policies struct {
	General Policy
	Auth    Policy
	API     Policy
}

// PoliciesFromConfig builds the named policies from configuration.
func PoliciesFromConfig(cfg config.RateLimitConfig) Policies {
	build := func(name string, p config.PolicyConfig) Policy {
		return Policy{
			Name:   name,
			Max:    p.Max,
			Window: time.Duration(p.WindowSeconds) * time.Second,
			Block:  time.Duration(p.BlockSeconds) * time.Second,
		}
	}
	return Policies{
		General: build("general", cfg.General),
		Auth:    build("auth", cfg.Auth),
		API:     build("api", cfg.API),
	}
}

// Result is the limiter's verdict for one request.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the retry hint up to whole seconds for the
// Retry-After response header.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

type record struct {
	count         int
	windowResetAt time.Time
	blocked       bool
	blockedUntil  time.Time
	lastSeen      time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

const shardCount = 32

// Limiter counts requests per identifier in fixed windows and applies an
// escalating temporary lockout on repeated violations. Identifiers live in a
// sharded map so concurrent checks on distinct identifiers do not contend.
type Limiter struct {
	shards  [shardCount]shard
	logger  *slog.Logger
	metrics *metrics.Recorder

	sweepStop chan struct{}
	closeOnce sync.Once
}

// NewLimiter constructs the limiter. A positive sweepInterval starts a
// background sweep that drops records idle past their window and any lockout.
func NewLimiter(logger *slog.Logger, rec *metrics.Recorder, sweepInterval time.Duration) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		logger:    logger.With(slog.String("agent", "ratelimit")),
		metrics:   rec,
		sweepStop: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].records = make(map[string]*record)
	}
	if sweepInterval > 0 {
		go l.sweep(sweepInterval)
	}
	return l
}

// Check applies the policy to one request from identifier. Increments on the
// same identifier are serialized by the shard lock so no update is lost under
// concurrent requests.
func (l *Limiter) Check(identifier string, policy Policy) Result {
	now := time.Now()
	sh := l.shardFor(identifier)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[identifier]
	if ok {
		rec.lastSeen = now
	}

	if ok && rec.blocked {
		if now.Before(rec.blockedUntil) {
			l.observe(policy, "blocked")
			return Result{Allowed: false, RetryAfter: rec.blockedUntil.Sub(now)}
		}
		// Lockout elapsed; the record is treated as fresh.
		ok = false
	}

	if !ok || now.After(rec.windowResetAt) {
		sh.records[identifier] = &record{
			count:         1,
			windowResetAt: now.Add(policy.Window),
			lastSeen:      now,
		}
		l.observe(policy, "allowed")
		return Result{Allowed: true, Remaining: policy.Max - 1}
	}

	if rec.count >= policy.Max {
		if policy.Block > 0 {
			rec.blocked = true
			rec.blockedUntil = now.Add(policy.Block)
			l.logger.Warn("identifier locked out",
				slog.String("identifier", identifier),
				slog.String("policy", policy.Name),
				slog.Duration("block", policy.Block))
			l.observe(policy, "blocked")
			return Result{Allowed: false, RetryAfter: policy.Block}
		}
		l.observe(policy, "limited")
		return Result{Allowed: false, RetryAfter: rec.windowResetAt.Sub(now)}
	}

	rec.count++
	l.observe(policy, "allowed")
	return Result{Allowed: true, Remaining: policy.Max - rec.count}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.sweepStop) })
}

func (l *Limiter) observe(policy Policy, outcome string) {
	l.metrics.ObserveLimitDecision(policy.Name, outcome)
}

func (l *Limiter) shardFor(identifier string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(identifier))
	return &l.shards[hasher.Sum32()%shardCount]
}

// sweepIdle is how long a record must sit untouched past its window and any
// lockout before the sweeper drops it.
const sweepIdle = 10 * time.Minute

func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.sweepStop:
			return
		case <-ticker.C:
			now := time.Now()
			for i := range l.shards {
				sh := &l.shards[i]
				sh.mu.Lock()
				for id, rec := range sh.records {
					if rec.blocked && now.Before(rec.blockedUntil) {
						continue
					}
					if now.Sub(rec.lastSeen) > sweepIdle && now.After(rec.windowResetAt) {
						delete(sh.records, id)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
