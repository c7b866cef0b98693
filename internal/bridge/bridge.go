// Package bridge is the sequential processor at the heart of mcpgate: it
// reads newline-delimited JSON-RPC requests from stdin, runs each through
// the cache, circuit breaker, health gate, and retrying dispatcher, and
// writes exactly one response line per id-bearing request, in arrival order.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/breaker"
	"github.com/mcpgate/mcpgate/internal/cache"
	"github.com/mcpgate/mcpgate/internal/dispatch"
	"github.com/mcpgate/mcpgate/internal/framing"
	"github.com/mcpgate/mcpgate/internal/health"
	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logx"
	"github.com/mcpgate/mcpgate/internal/metrics"
)

// DefaultQueueSize bounds how many parsed requests may wait behind the
// in-flight one. The reader blocks when the queue is full, so input is
// throttled rather than dropped.
const DefaultQueueSize = 64

// Options wires the bridge's collaborators.
type Options struct {
	In         io.Reader
	Out        io.Writer
	Cache      *cache.Cache
	Breaker    *breaker.Breaker
	Health     *health.Monitor
	Dispatcher *dispatch.Dispatcher

	// SkipHealthMethods are dispatched without the health gate. The trade is
	// deliberate: a doomed call risks a retry cycle, but a hot discovery
	// call never pays probe latency.
	SkipHealthMethods []string

	QueueSize int
}

type queued struct {
	req     *jsonrpc.Request
	payload []byte
}

// Bridge owns the single-consumer pipeline. At most one request is in
// flight at any time; responses appear on Out in arrival order.
type Bridge struct {
	in         io.Reader
	out        io.Writer
	cache      *cache.Cache
	breaker    *breaker.Breaker
	health     *health.Monitor
	dispatcher *dispatch.Dispatcher
	skipHealth map[string]bool

	queue chan queued
	wmu   sync.Mutex
}

// New builds a Bridge from its collaborators.
func New(opts Options) *Bridge {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	skip := make(map[string]bool, len(opts.SkipHealthMethods))
	for _, m := range opts.SkipHealthMethods {
		skip[m] = true
	}
	return &Bridge{
		in:         opts.In,
		out:        opts.Out,
		cache:      opts.Cache,
		breaker:    opts.Breaker,
		health:     opts.Health,
		dispatcher: opts.Dispatcher,
		skipHealth: skip,
		queue:      make(chan queued, size),
	}
}

// QueueDepth reports how many requests are waiting behind the in-flight one.
func (b *Bridge) QueueDepth() int { return len(b.queue) }

// Run consumes the input stream until EOF or ctx cancellation. Requests
// already queued when the stream closes are still answered. Returns nil on
// clean EOF.
func (b *Bridge) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for q := range b.queue {
			metrics.SetQueueDepth(len(b.queue))
			b.handle(ctx, q)
		}
	}()

	err := framing.ReadLoop(ctx, b.in, func(line []byte) {
		req, perr := jsonrpc.ParseRequest(line)
		if perr != nil {
			// No id can be recovered from a malformed line, so there is
			// nothing to respond to. Log and drop.
			logx.Log.Warn().Err(perr).Int("bytes", len(line)).Msg("drop unparseable input line")
			return
		}
		b.queue <- queued{req: req, payload: line}
		metrics.SetQueueDepth(len(b.queue))
	})
	close(b.queue)
	<-done
	return err
}

func (b *Bridge) handle(ctx context.Context, q queued) {
	resp, outcome := b.process(ctx, q.req, q.payload)

	if q.req.IsNotification() {
		if resp != nil && resp.Err() != nil {
			logx.Log.Warn().
				Str("method", q.req.Method).
				Int("code", resp.Err().Code).
				Str("error", resp.Err().Message).
				Msg("notification failed")
		}
		return
	}
	if resp == nil {
		resp = jsonrpc.NewError(q.req.ID, jsonrpc.CodeInternalError, "Internal error: empty pipeline result")
		outcome = "internal"
	}
	b.write(resp.WithID(q.req.ID))
	logx.Log.Debug().Str("method", q.req.Method).Str("outcome", outcome).Msg("request done")
}

// process runs the per-request pipeline. It always returns a response; a
// panic anywhere inside is converted to an internal error so one bad
// request can never take the process down.
func (b *Bridge) process(ctx context.Context, req *jsonrpc.Request, payload []byte) (resp *jsonrpc.Response, outcome string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().
				Interface("panic", r).
				Str("method", req.Method).
				Str("stack", string(debug.Stack())).
				Msg("panic recovered in request pipeline")
			resp = jsonrpc.NewErrorf(req.ID, jsonrpc.CodeInternalError, "Internal error: %v", r)
			outcome = "panic"
		}
		metrics.RecordRequest(req.Method, outcome)
		metrics.ObserveRequestDuration(req.Method, time.Since(start))
	}()

	if b.cache.Cacheable(req.Method) {
		if hit, ok := b.cache.Lookup(req.Method); ok {
			return hit.WithID(req.ID), "cache_hit"
		}
	}

	if b.breaker.Open() {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeCircuitOpen, "Service unavailable: circuit breaker open"), "circuit_open"
	}

	if !b.skipHealth[req.Method] {
		if resp, outcome := b.ensureHealthy(ctx, req); resp != nil {
			return resp, outcome
		}
	}

	result, err := b.breaker.Execute(func() (*jsonrpc.Response, error) {
		return b.dispatcher.Do(ctx, req, payload)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeCircuitOpen, "Service unavailable: circuit breaker open"), "circuit_open"
		}
		return jsonrpc.NewErrorf(req.ID, jsonrpc.CodeRetriesExhausted, "Request failed: %v", err), "retries_exhausted"
	}

	b.health.NoteSuccess()
	b.cache.Store(req.Method, result)
	return result.WithID(req.ID), "success"
}

// ensureHealthy is the pre-dispatch health gate. It returns a non-nil
// response only when the request must be refused. A recent probe success is
// trusted without re-probing; an unhealthy backend below the reconnect
// threshold is allowed through optimistically.
func (b *Bridge) ensureHealthy(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, string) {
	if b.health.TrustedRecently() {
		return nil, ""
	}
	if err := b.health.Probe(ctx, "ondemand"); err == nil {
		return nil, ""
	}
	if !b.health.ReconnectNeeded() {
		return nil, ""
	}
	if err := b.health.AwaitRecovery(ctx); err != nil {
		if errors.Is(err, health.ErrBudgetExhausted) {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeReconnectFailed,
				"Connection failed: reconnection window exhausted"), "reconnect_exhausted"
		}
		return jsonrpc.NewErrorf(req.ID, jsonrpc.CodeHealthFailed,
			"Health check failed: %v", err), "health_failed"
	}
	return nil, ""
}

func (b *Bridge) write(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		logx.Log.Error().Err(err).Msg("marshal response")
		return
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.out.Write(append(data, '\n')); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}
