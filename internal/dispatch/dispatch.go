// Package dispatch issues the HTTP POSTs that carry JSON-RPC requests to the
// backend, with method-aware timeouts and bounded retries.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logx"
	"github.com/mcpgate/mcpgate/internal/metrics"
)

// Defaults for attempt budgets and retry pacing. Config binds these as flag
// defaults.
const (
	DefaultMaxAttempts       = 3
	DefaultColdStartAttempts = 5
	DefaultFastTimeout       = 15 * time.Second
	DefaultGeneralTimeout    = 60 * time.Second
	DefaultRetryBase         = 500 * time.Millisecond
	DefaultFastRetryCeiling  = 2 * time.Second
	DefaultRetryCeiling      = 5 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	Endpoint            string
	Client              *http.Client
	MaxAttempts         int
	FastMethods         []string
	FastTimeout         time.Duration
	GeneralTimeout      time.Duration
	RetryBase           time.Duration
	FastRetryCeiling    time.Duration
	GeneralRetryCeiling time.Duration
	ColdStart           bool
	RequestsPerSecond   float64
	Burst               int
}

// Dispatcher sends one JSON-RPC payload per HTTP attempt. Latency-sensitive
// methods get shorter timeouts, a tighter retry ceiling and a fixed attempt
// budget of three; everything else follows the profile budget.
type Dispatcher struct {
	opts Options
	fast map[string]struct{}

	mu      sync.Mutex
	limiter *rate.Limiter
}

// New builds a Dispatcher. A RequestsPerSecond of zero leaves the outbound
// throttle off.
func New(opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = NewClient()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.FastTimeout <= 0 {
		opts.FastTimeout = DefaultFastTimeout
	}
	if opts.GeneralTimeout <= 0 {
		opts.GeneralTimeout = DefaultGeneralTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.FastRetryCeiling <= 0 {
		opts.FastRetryCeiling = DefaultFastRetryCeiling
	}
	if opts.GeneralRetryCeiling <= 0 {
		opts.GeneralRetryCeiling = DefaultRetryCeiling
	}
	fast := make(map[string]struct{}, len(opts.FastMethods))
	for _, m := range opts.FastMethods {
		fast[m] = struct{}{}
	}
	d := &Dispatcher{opts: opts, fast: fast}
	d.SetRate(opts.RequestsPerSecond, opts.Burst)
	return d
}

// NewClient builds the process-wide HTTP client with its keep-alive pool.
// The pool is configured once at startup and never mutated afterwards.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// SetRate swaps the outbound throttle. rps <= 0 disables it.
func (d *Dispatcher) SetRate(rps float64, burst int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rps <= 0 {
		d.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// Do sends the request payload verbatim, retrying transport failures up to
// the attempt budget. It returns a decoded response on any 2xx reply and an
// error once the budget is spent.
func (d *Dispatcher) Do(ctx context.Context, req *jsonrpc.Request, payload []byte) (*jsonrpc.Response, error) {
	attempts := d.attemptsFor(req.Method)
	timeout := d.timeoutFor(req.Method)
	ceiling := d.ceilingFor(req.Method)
	delay := d.opts.RetryBase

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.RecordDispatchRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > ceiling {
				delay = ceiling
			}
		}
		if err := d.throttle(ctx); err != nil {
			return nil, err
		}
		resp, err := d.attempt(ctx, payload, req.ID, timeout)
		if err == nil {
			metrics.RecordDispatchAttempt(true)
			return resp, nil
		}
		metrics.RecordDispatchAttempt(false)
		lastErr = err
		if d.opts.ColdStart && isReset(err) {
			logx.Log.Warn().Err(err).Int("attempt", attempt).Str("method", req.Method).Msg("connection reset from cold-start backend")
		} else {
			logx.Log.Warn().Err(err).Int("attempt", attempt).Str("method", req.Method).Msg("dispatch attempt failed")
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, payload, id []byte, timeout time.Duration) (*jsonrpc.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return nil, fmt.Errorf("status %s: %s", resp.Status, truncate(msg, 512))
		}
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	return jsonrpc.DecodeResponse(body, id), nil
}

func (d *Dispatcher) throttle(ctx context.Context) error {
	d.mu.Lock()
	limiter := d.limiter
	d.mu.Unlock()
	if limiter == nil {
		return nil
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.AddThrottleWait(waited)
	}
	return nil
}

func (d *Dispatcher) attemptsFor(method string) int {
	if _, ok := d.fast[method]; ok {
		return DefaultMaxAttempts
	}
	return d.opts.MaxAttempts
}

func (d *Dispatcher) timeoutFor(method string) time.Duration {
	if _, ok := d.fast[method]; ok {
		return d.opts.FastTimeout
	}
	return d.opts.GeneralTimeout
}

func (d *Dispatcher) ceilingFor(method string) time.Duration {
	if _, ok := d.fast[method]; ok {
		return d.opts.FastRetryCeiling
	}
	return d.opts.GeneralRetryCeiling
}

func isReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
