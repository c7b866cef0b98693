// Package health owns the liveness view of the backend: two background probe
// timers, the consecutive-failure counters, and the bounded reconnection wait
// that foreground requests block on when the backend has gone away.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/logx"
	"github.com/mcpgate/mcpgate/internal/metrics"
)

// Defaults for the probe and reconnection tunables. Config binds these as
// flag defaults so there is one source of truth.
const (
	DefaultFailureThreshold   = 3
	DefaultDelayFloor         = 2 * time.Second
	DefaultDelayMax           = 30 * time.Second
	DefaultMaxTotalTime       = 10 * time.Minute
	DefaultProbeTimeout       = 10 * time.Second
	DefaultWarmupInterval     = 5 * time.Minute
	DefaultAggressiveInterval = 15 * time.Second
	DefaultPollInterval       = 2 * time.Second
	DefaultTrustWindow        = 30 * time.Second
)

// backoffExpCap bounds the exponent so the pre-jitter delay stops doubling
// after 2^4.
const backoffExpCap = 4

// ErrBudgetExhausted reports that the process-lifetime reconnection budget is
// spent. The budget is measured from session start and never renews.
var ErrBudgetExhausted = errors.New("reconnection budget exhausted")

// Options configures a Monitor. Zero fields take the package defaults.
type Options struct {
	ProbeURL           string
	Client             *http.Client
	ColdStart          bool
	FailureThreshold   int
	DelayFloor         time.Duration
	DelayMax           time.Duration
	MaxTotalTime       time.Duration
	ProbeTimeout       time.Duration
	WarmupInterval     time.Duration
	AggressiveInterval time.Duration
	PollInterval       time.Duration
	TrustWindow        time.Duration
}

// Snapshot is a point-in-time copy of the health record for logs and the
// status endpoint.
type Snapshot struct {
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ReconnectAttempts   int           `json:"reconnect_attempts"`
	ReconnectDelay      time.Duration `json:"reconnect_delay_ns"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	SessionStartAt      time.Time     `json:"session_start_at"`
}

// Monitor tracks backend liveness. Background tickers and the foreground
// request path both mutate the record, so every access goes through the
// mutex.
type Monitor struct {
	opts Options

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	reconnectAttempts   int
	reconnectDelay      time.Duration
	lastSuccessAt       time.Time
	sessionStartAt      time.Time
}

// NewMonitor builds a Monitor. The session clock starts here; the
// reconnection budget is measured against it for the rest of the process
// lifetime.
func NewMonitor(opts Options) *Monitor {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.DelayFloor <= 0 {
		opts.DelayFloor = DefaultDelayFloor
	}
	if opts.DelayMax <= 0 {
		opts.DelayMax = DefaultDelayMax
	}
	if opts.MaxTotalTime <= 0 {
		opts.MaxTotalTime = DefaultMaxTotalTime
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.WarmupInterval <= 0 {
		opts.WarmupInterval = DefaultWarmupInterval
	}
	if opts.AggressiveInterval <= 0 {
		opts.AggressiveInterval = DefaultAggressiveInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TrustWindow <= 0 {
		opts.TrustWindow = DefaultTrustWindow
	}
	return &Monitor{
		opts:           opts,
		reconnectDelay: opts.DelayFloor,
		sessionStartAt: time.Now(),
	}
}

// Start launches the background probe loops. The warm-up loop runs for every
// profile to keep idle backends from scaling to zero; the aggressive loop
// runs only for cold-start profiles and keeps the trust window fresh.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx, "warmup", m.opts.WarmupInterval)
	if m.opts.ColdStart {
		go m.loop(ctx, "aggressive", m.opts.AggressiveInterval)
	}
}

func (m *Monitor) loop(ctx context.Context, kind string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Probe(ctx, kind); err != nil {
				logx.Log.Warn().Err(err).Str("probe", kind).Msg("backend liveness probe failed")
			}
		}
	}
}

// Probe issues one bounded liveness GET and folds the verdict into the
// health record. Only a 200 counts as success.
func (m *Monitor) Probe(ctx context.Context, kind string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.ProbeURL, nil)
	if err != nil {
		return m.fail(kind, err)
	}
	resp, err := m.opts.Client.Do(req)
	if err != nil {
		return m.fail(kind, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if msg := strings.TrimSpace(string(b)); msg != "" {
			return m.fail(kind, fmt.Errorf("status %s: %s", resp.Status, msg))
		}
		return m.fail(kind, fmt.Errorf("status %s", resp.Status))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	m.recordSuccess()
	metrics.RecordProbe(kind, true)
	return nil
}

func (m *Monitor) fail(kind string, err error) error {
	m.recordFailure()
	metrics.RecordProbe(kind, false)
	return err
}

// NoteSuccess folds a successful dispatch into the health record. A POST
// that round-tripped proves liveness as well as any probe.
func (m *Monitor) NoteSuccess() {
	m.recordSuccess()
}

func (m *Monitor) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = true
	m.consecutiveFailures = 0
	m.reconnectAttempts = 0
	m.reconnectDelay = m.opts.DelayFloor
	m.lastSuccessAt = time.Now()
}

func (m *Monitor) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = false
	m.consecutiveFailures++
	if m.consecutiveFailures >= m.opts.FailureThreshold {
		m.reconnectAttempts++
		m.reconnectDelay = m.nextDelayLocked()
	}
}

// nextDelayLocked grows the reconnect delay: floor doubled per attempt up to
// 2^4, plus up to a second of jitter, clamped to the ceiling. The doubling
// outpaces the jitter, so the delay never shrinks within an episode.
func (m *Monitor) nextDelayLocked() time.Duration {
	exp := m.reconnectAttempts - 1
	if exp > backoffExpCap {
		exp = backoffExpCap
	}
	d := m.opts.DelayFloor * (1 << exp)
	d += time.Duration(rand.Int63n(int64(time.Second)))
	if d > m.opts.DelayMax {
		d = m.opts.DelayMax
	}
	return d
}

// Healthy reports the current shared health flag.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// TrustedRecently reports whether a probe or dispatch succeeded within the
// trust window, letting a request skip its on-demand health check.
func (m *Monitor) TrustedRecently() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy && time.Since(m.lastSuccessAt) < m.opts.TrustWindow
}

// ReconnectNeeded reports whether consecutive failures have reached the
// threshold that hands the request to the reconnection wait loop.
func (m *Monitor) ReconnectNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures >= m.opts.FailureThreshold
}

// Snapshot copies the health record.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Healthy:             m.healthy,
		ConsecutiveFailures: m.consecutiveFailures,
		ReconnectAttempts:   m.reconnectAttempts,
		ReconnectDelay:      m.reconnectDelay,
		LastSuccessAt:       m.lastSuccessAt,
		SessionStartAt:      m.sessionStartAt,
	}
}

// AwaitRecovery blocks one foreground request while the backend restarts.
// It fails immediately with ErrBudgetExhausted once the campaign budget is
// spent. Otherwise it sleeps for the current reconnect delay, polling the
// shared health flag and cutting the sleep short as soon as a background
// probe reports success, then runs one direct probe whose verdict it
// returns.
func (m *Monitor) AwaitRecovery(ctx context.Context) error {
	m.mu.Lock()
	elapsed := time.Since(m.sessionStartAt)
	budget := m.opts.MaxTotalTime
	delay := m.reconnectDelay
	attempt := m.reconnectAttempts
	m.mu.Unlock()

	if elapsed >= budget {
		logx.Log.Error().Dur("elapsed", elapsed).Dur("budget", budget).Msg("reconnection budget exhausted")
		return ErrBudgetExhausted
	}

	logx.Log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("waiting for backend to recover")
	start := time.Now()
	deadline := start.Add(delay)
	for time.Now().Before(deadline) {
		if m.Healthy() {
			logx.Log.Debug().Msg("background probe reported recovery, cutting wait short")
			break
		}
		wait := m.opts.PollInterval
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	metrics.ObserveReconnectWait(time.Since(start))

	return m.Probe(ctx, "reconnect")
}
