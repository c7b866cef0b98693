// Package breaker gates backend dispatch behind a consecutive-failure
// circuit.
package breaker

import (
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logx"
	"github.com/mcpgate/mcpgate/internal/metrics"
)

// ErrOpen is returned by Execute while the circuit is open.
var ErrOpen = gobreaker.ErrOpenState

// Defaults applied when New is handed non-positive settings.
const (
	DefaultThreshold = 3
	DefaultRecovery  = 30 * time.Second
)

// Breaker wraps a circuit around backend dispatch. One dispatch failure
// counts once no matter how many HTTP attempts it retried through; any
// success closes the circuit and clears the count.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[*jsonrpc.Response]
}

// New builds a breaker that opens after threshold consecutive dispatch
// failures and lets a single trial request through once recovery has elapsed.
// Non-positive settings fall back to the package defaults.
func New(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecovery
	}
	settings := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Interval:    0, // counts never age out while closed
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logx.Log.Info().Str("from", stateName(from)).Str("to", stateName(to)).Msg("circuit state change")
			metrics.SetCircuitState(stateValue(to))
			metrics.RecordCircuitTransition(stateName(from), stateName(to))
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[*jsonrpc.Response](settings)}
}

// Open reports whether the circuit currently rejects dispatch. Evaluating the
// state is what moves an expired open circuit to half-open.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Execute runs one dispatch under the circuit and records its outcome.
func (b *Breaker) Execute(fn func() (*jsonrpc.Response, error)) (*jsonrpc.Response, error) {
	return b.cb.Execute(fn)
}

// State returns the current state name for logs and status payloads.
func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

// Failures returns the consecutive dispatch failure count.
func (b *Breaker) Failures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
