package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/pkg/cmap"
)

// Action names a throttled client action.
type Action string

const (
	ActionLogin        Action = "login"
	ActionMessage      Action = "message"
	ActionFileUpload   Action = "file-upload"
	ActionRoomCreation Action = "room-creation"
	ActionRegistration Action = "registration"
)

// Policy admits at most Limit attempts within any sliding Window.
// A Limit of zero disables throttling for the action.
type Policy struct {
	Limit  int           `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

// DefaultPolicies returns the built-in per-action policies.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		ActionLogin:        {Limit: 5, Window: 5 * time.Minute},
		ActionMessage:      {Limit: 30, Window: time.Minute},
		ActionFileUpload:   {Limit: 5, Window: 5 * time.Minute},
		ActionRoomCreation: {Limit: 3, Window: time.Hour},
		ActionRegistration: {Limit: 3, Window: time.Hour},
	}
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	Policies map[Action]Policy

	// FailureThreshold failed logins from one IP within FailureWindow
	// ban the IP for BanDuration.
	FailureThreshold int
	FailureWindow    time.Duration
	BanDuration      time.Duration

	// SweepInterval is the cadence at which Run drops idle windows and
	// expired bans.
	SweepInterval time.Duration
}

// DefaultLimiterConfig returns the default limiter configuration.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Policies:         DefaultPolicies(),
		FailureThreshold: 10,
		FailureWindow:    time.Hour,
		BanDuration:      15 * time.Minute,
		SweepInterval:    time.Minute,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Banned     bool
	RetryAfter time.Duration
}

// Err converts a denial into a domain error; it returns nil when allowed.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Banned:
		return domain.ErrBanned.WithRetryAfter(d.RetryAfter).
			WithDetails(fmt.Sprintf("retry after %s", d.RetryAfter.Round(time.Second)))
	default:
		return domain.ErrRateLimited.WithRetryAfter(d.RetryAfter).
			WithDetails(fmt.Sprintf("retry after %s", d.RetryAfter.Round(time.Second)))
	}
}

// IPKey and UserKey build window identifiers.
func IPKey(ip string) string             { return "ip:" + ip }
func UserKey(id domain.UserID) string    { return fmt.Sprintf("user:%d", id) }
func UsernameKey(username string) string { return "name:" + domain.NormalizeName(username) }

// window is a fixed-capacity ring of attempt timestamps, oldest at head.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
	head   int
	n      int
	span   time.Duration
	dead   bool // removed from the map by a sweep
}

func newWindow(limit int, span time.Duration) *window {
	return &window{stamps: make([]time.Time, limit), span: span}
}

// prune drops timestamps that have left the window. Each timestamp is
// dropped at most once, so pruning is O(1) amortized.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.n > 0 && !w.stamps[w.head].After(cutoff) {
		w.head = (w.head + 1) % len(w.stamps)
		w.n--
	}
}

func (w *window) full() bool { return w.n >= len(w.stamps) }

func (w *window) record(now time.Time) {
	w.stamps[(w.head+w.n)%len(w.stamps)] = now
	w.n++
}

func (w *window) reset() {
	w.head, w.n = 0, 0
}

// retryAfter is the time until the oldest timestamp leaves the window.
func (w *window) retryAfter(now time.Time) time.Duration {
	return w.stamps[w.head].Add(w.span).Sub(now)
}

// Limiter enforces per-identifier sliding windows, tracks failed logins per
// IP and bans IPs that cross the failure threshold.
type Limiter struct {
	cfg      LimiterConfig
	windows  *cmap.Map[string, *window]
	failures *cmap.Map[string, *window]
	bans     *cmap.Map[string, domain.BanRecord]
	now      func() time.Time
	logger   *slog.Logger
	onBan    func(domain.BanRecord)
}

// LimiterOption customizes a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = logger }
}

// WithBanHook registers a callback invoked whenever an IP is banned.
func WithBanHook(fn func(domain.BanRecord)) LimiterOption {
	return func(l *Limiter) { l.onBan = fn }
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig, opts ...LimiterOption) *Limiter {
	def := DefaultLimiterConfig()
	if cfg.Policies == nil {
		cfg.Policies = def.Policies
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	l := &Limiter{
		cfg:      cfg,
		windows:  cmap.NewWithShards[string, *window](64),
		failures: cmap.New[string, *window](),
		bans:     cmap.New[string, domain.BanRecord](),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord admits one attempt of action for identifier.
func (l *Limiter) CheckAndRecord(identifier string, action Action) Decision {
	return l.Admit("", action, identifier)
}

// Admit checks the ban state of ip (when non-empty) and then the windows of
// every identifier for action. A timestamp is recorded in all windows only
// if all of them allow the attempt; otherwise none is touched.
func (l *Limiter) Admit(ip string, action Action, identifiers ...string) Decision {
	now := l.now()

	if ip != "" {
		if ban, ok := l.Banned(ip); ok {
			return Decision{Banned: true, RetryAfter: ban.Remaining(now)}
		}
	}

	policy, ok := l.cfg.Policies[action]
	if !ok || policy.Limit <= 0 || len(identifiers) == 0 {
		return Decision{Allowed: true}
	}

	keys := windowKeys(action, identifiers)
	for {
		windows := make([]*window, len(keys))
		for i, k := range keys {
			windows[i], _ = l.windows.GetOrCompute(k, func() *window {
				return newWindow(policy.Limit, policy.Window)
			})
		}

		// Keys are sorted, so concurrent multi-key admissions lock in the
		// same order.
		for _, w := range windows {
			w.mu.Lock()
		}
		if anyDead(windows) {
			unlockAll(windows)
			continue
		}

		var retry time.Duration
		for _, w := range windows {
			w.prune(now)
			if w.full() {
				if r := w.retryAfter(now); r > retry {
					retry = r
				}
			}
		}
		if retry > 0 {
			unlockAll(windows)
			return Decision{RetryAfter: retry}
		}
		for _, w := range windows {
			w.record(now)
		}
		unlockAll(windows)
		return Decision{Allowed: true}
	}
}

func windowKeys(action Action, identifiers []string) []string {
	seen := make(map[string]struct{}, len(identifiers))
	keys := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		k := string(action) + "|" + id
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func anyDead(ws []*window) bool {
	for _, w := range ws {
		if w.dead {
			return true
		}
	}
	return false
}

func unlockAll(ws []*window) {
	for i := len(ws) - 1; i >= 0; i-- {
		ws[i].mu.Unlock()
	}
}

// CheckBan returns domain.ErrBanned if ip is currently banned.
func (l *Limiter) CheckBan(ip string) error {
	if ban, ok := l.Banned(ip); ok {
		return Decision{Banned: true, RetryAfter: ban.Remaining(l.now())}.Err()
	}
	return nil
}

// Banned returns the active ban for ip, if any. Expired bans are removed.
func (l *Limiter) Banned(ip string) (domain.BanRecord, bool) {
	ban, ok := l.bans.Get(ip)
	if !ok {
		return domain.BanRecord{}, false
	}
	if now := l.now(); !ban.Active(now) {
		l.bans.DeleteIf(ip, func(b domain.BanRecord) bool { return !b.Active(now) })
		return domain.BanRecord{}, false
	}
	return ban, true
}

// RecordLoginFailure counts a failed login from ip and bans the IP when
// the failure threshold is reached within the tracking window. It reports
// whether this failure caused a ban.
func (l *Limiter) RecordLoginFailure(ip string) bool {
	if ip == "" {
		return false
	}
	now := l.now()

	for {
		w, _ := l.failures.GetOrCompute(ip, func() *window {
			return newWindow(l.cfg.FailureThreshold, l.cfg.FailureWindow)
		})
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		w.prune(now)
		w.record(now)
		if !w.full() {
			w.mu.Unlock()
			return false
		}
		w.reset()
		w.mu.Unlock()
		break
	}

	ban := domain.BanRecord{IP: ip, BannedUntil: now.Add(l.cfg.BanDuration)}
	l.bans.Set(ip, ban)
	l.logger.Warn("ip banned after repeated login failures",
		"ip", ip,
		"threshold", l.cfg.FailureThreshold,
		"banned_until", ban.BannedUntil)
	if l.onBan != nil {
		l.onBan(ban)
	}
	return true
}

// ResetLoginFailures clears the failure counter of ip after a successful
// login.
func (l *Limiter) ResetLoginFailures(ip string) {
	if w, ok := l.failures.Get(ip); ok {
		w.mu.Lock()
		w.reset()
		w.mu.Unlock()
	}
}

// LoginFailures returns the number of failures currently counted for ip.
func (l *Limiter) LoginFailures(ip string) int {
	w, ok := l.failures.Get(ip)
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now())
	return w.n
}

// Bans returns all active bans sorted by expiry.
func (l *Limiter) Bans() []domain.BanRecord {
	now := l.now()
	var out []domain.BanRecord
	l.bans.Range(func(_ string, b domain.BanRecord) bool {
		if b.Active(now) {
			out = append(out, b)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].BannedUntil.Before(out[j].BannedUntil) })
	return out
}

// Unban lifts a ban and clears the failure counter of ip. It reports
// whether a ban was active.
func (l *Limiter) Unban(ip string) bool {
	ban, ok := l.bans.Pop(ip)
	l.ResetLoginFailures(ip)
	return ok && ban.Active(l.now())
}

// Sweep drops idle windows and expired bans. It returns the number of
// windows and bans removed.
func (l *Limiter) Sweep() (windows, bans int) {
	now := l.now()
	idle := func(_ string, w *window) bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.prune(now)
		if w.n == 0 {
			w.dead = true
			return true
		}
		return false
	}
	windows = l.windows.RemoveIf(idle) + l.failures.RemoveIf(idle)
	bans = l.bans.RemoveIf(func(_ string, b domain.BanRecord) bool {
		return !b.Active(now)
	})
	return windows, bans
}

// Run sweeps on the configured interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w, b := l.Sweep(); w+b > 0 {
				l.logger.Debug("limiter sweep", "windows_removed", w, "bans_expired", b)
			}
		}
	}
}
