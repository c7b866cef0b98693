package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/breaker"
	"github.com/mcpgate/mcpgate/internal/cache"
	"github.com/mcpgate/mcpgate/internal/dispatch"
	"github.com/mcpgate/mcpgate/internal/health"
)

type respLine struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *errObj         `json:"error"`
	ID      json.RawMessage `json:"id"`
}

type errObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newBackend(t *testing.T, mcp, ping http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	if mcp != nil {
		mux.HandleFunc("/mcp", mcp)
	}
	if ping != nil {
		mux.HandleFunc("/ping", ping)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func okPing(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

// echoBackend answers every request with a result naming the method, after
// a small random delay so ordering bugs would surface.
func echoBackend(hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.Unmarshal(body, &req)
		id := "null"
		if len(req.ID) > 0 {
			id = string(req.ID)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","result":{"echo":%q},"id":%s}`, req.Method, id)
	}
}

type fixture struct {
	monitor       *health.Monitor
	circuit       *breaker.Breaker
	dispatcher    *dispatch.Dispatcher
	store         *cache.Cache
	skip          []string
	nilDispatcher bool
}

func newTestBridge(srv *httptest.Server, in io.Reader, out io.Writer, f fixture) *Bridge {
	if f.store == nil {
		f.store = cache.New(srv.URL, nil, 30*time.Second, 8)
	}
	if f.circuit == nil {
		f.circuit = breaker.New(3, time.Minute)
	}
	if f.monitor == nil {
		f.monitor = health.NewMonitor(health.Options{ProbeURL: srv.URL + "/ping", Client: srv.Client()})
	}
	if f.dispatcher == nil && !f.nilDispatcher {
		f.dispatcher = dispatch.New(dispatch.Options{
			Endpoint:    srv.URL + "/mcp",
			Client:      srv.Client(),
			MaxAttempts: 1,
			RetryBase:   time.Millisecond,
		})
	}
	return New(Options{
		In:                in,
		Out:               out,
		Cache:             f.store,
		Breaker:           f.circuit,
		Health:            f.monitor,
		Dispatcher:        f.dispatcher,
		SkipHealthMethods: f.skip,
	})
}

func reqLine(id int, method string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method)
}

func runBridge(t *testing.T, srv *httptest.Server, input string, f fixture) []respLine {
	t.Helper()
	var out bytes.Buffer
	b := newTestBridge(srv, strings.NewReader(input), &out, f)
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var lines []respLine
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r respLine
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad output line %q: %v", sc.Text(), err)
		}
		lines = append(lines, r)
	}
	return lines
}

func TestRunOrderingAndAlwaysRespond(t *testing.T) {
	var hits atomic.Int32
	srv := newBackend(t, echoBackend(&hits), okPing)

	var in strings.Builder
	const n = 5
	for i := 1; i <= n; i++ {
		in.WriteString(reqLine(i, fmt.Sprintf("tools/call-%d", i)) + "\n")
	}
	lines := runBridge(t, srv, in.String(), fixture{})

	if len(lines) != n {
		t.Fatalf("expected %d responses got %d", n, len(lines))
	}
	for i, l := range lines {
		if string(l.ID) != fmt.Sprintf("%d", i+1) {
			t.Fatalf("response %d out of order: id %s", i, l.ID)
		}
		if l.Error != nil {
			t.Fatalf("response %d unexpected error: %+v", i, l.Error)
		}
		if l.JSONRPC != "2.0" {
			t.Fatalf("response %d missing version: %q", i, l.JSONRPC)
		}
	}
	if hits.Load() != n {
		t.Fatalf("expected %d dispatches got %d", n, hits.Load())
	}
}

func TestNotificationForwardedSilently(t *testing.T) {
	var hits atomic.Int32
	srv := newBackend(t, echoBackend(&hits), okPing)

	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" + reqLine(1, "tools/call") + "\n"
	lines := runBridge(t, srv, input, fixture{})

	if len(lines) != 1 {
		t.Fatalf("expected 1 response got %d", len(lines))
	}
	if string(lines[0].ID) != "1" {
		t.Fatalf("expected id 1 got %s", lines[0].ID)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected notification forwarded, got %d dispatches", hits.Load())
	}
}

func TestMalformedInputDroppedSilently(t *testing.T) {
	var hits atomic.Int32
	srv := newBackend(t, echoBackend(&hits), okPing)

	input := "this is not json\n" + `{"jsonrpc":"2.0","id":true}` + "\n" + reqLine(1, "tools/call") + "\n"
	lines := runBridge(t, srv, input, fixture{})

	if len(lines) != 1 {
		t.Fatalf("expected malformed lines dropped without response, got %d lines", len(lines))
	}
	if string(lines[0].ID) != "1" {
		t.Fatalf("expected id 1 got %s", lines[0].ID)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 dispatch got %d", hits.Load())
	}
}

func TestCacheHitSkipsDispatch(t *testing.T) {
	var hits atomic.Int32
	srv := newBackend(t, echoBackend(&hits), okPing)

	f := fixture{store: cache.New(srv.URL, []string{"tools/list"}, 30*time.Second, 8)}
	input := reqLine(1, "tools/list") + "\n" + reqLine(2, "tools/list") + "\n"
	lines := runBridge(t, srv, input, f)

	if len(lines) != 2 {
		t.Fatalf("expected 2 responses got %d", len(lines))
	}
	if hits.Load() != 1 {
		t.Fatalf("expected second request served from cache, got %d dispatches", hits.Load())
	}
	if string(lines[1].ID) != "2" {
		t.Fatalf("expected cached response re-stamped with id 2, got %s", lines[1].ID)
	}
	if !bytes.Equal(lines[0].Result, lines[1].Result) {
		t.Fatalf("expected identical results, got %s vs %s", lines[0].Result, lines[1].Result)
	}
}

// A backend blip on a cacheable method must not poison the cache: the
// synthesized error goes back to the caller once, then the next request
// dispatches again.
func TestErrorResponseNotServedFromCache(t *testing.T) {
	var hits atomic.Int32
	flaky := func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","result":{"tools":[]},"id":%s}`, req.ID)
	}
	srv := newBackend(t, flaky, okPing)

	f := fixture{store: cache.New(srv.URL, []string{"tools/list"}, 30*time.Second, 8)}
	input := reqLine(1, "tools/list") + "\n" + reqLine(2, "tools/list") + "\n"
	lines := runBridge(t, srv, input, f)

	if len(lines) != 2 {
		t.Fatalf("expected 2 responses got %d", len(lines))
	}
	if lines[0].Error == nil || lines[0].Error.Code != -32603 {
		t.Fatalf("expected -32603 for the empty first body, got %+v", lines[0].Error)
	}
	if lines[1].Error != nil {
		t.Fatalf("expected second request to reach the recovered backend, got %+v", lines[1].Error)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected both requests dispatched, got %d backend hits", hits.Load())
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	fail := func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}
	srv := newBackend(t, fail, okPing)

	var in strings.Builder
	for i := 1; i <= 4; i++ {
		in.WriteString(reqLine(i, "tools/call") + "\n")
	}
	lines := runBridge(t, srv, in.String(), fixture{})

	if len(lines) != 4 {
		t.Fatalf("expected 4 responses got %d", len(lines))
	}
	for i := 0; i < 3; i++ {
		if lines[i].Error == nil || lines[i].Error.Code != -32002 {
			t.Fatalf("response %d: expected -32002 got %+v", i, lines[i].Error)
		}
	}
	if lines[3].Error == nil || lines[3].Error.Code != -32003 {
		t.Fatalf("expected circuit open error, got %+v", lines[3].Error)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected no dispatch while open, got %d", hits.Load())
	}
}

func TestEmptyBackendBodyBecomesInternalError(t *testing.T) {
	empty := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	srv := newBackend(t, empty, okPing)

	lines := runBridge(t, srv, reqLine(7, "tools/call")+"\n", fixture{})
	if len(lines) != 1 {
		t.Fatalf("expected 1 response got %d", len(lines))
	}
	if lines[0].Error == nil || lines[0].Error.Code != -32603 {
		t.Fatalf("expected -32603 got %+v", lines[0].Error)
	}
	if !strings.Contains(lines[0].Error.Message, "empty") {
		t.Fatalf("expected message to mention empty body, got %q", lines[0].Error.Message)
	}
	if string(lines[0].ID) != "7" {
		t.Fatalf("expected original id kept, got %s", lines[0].ID)
	}
}

func TestMalformedBackendBodyBecomesParseError(t *testing.T) {
	garbage := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not json"))
	}
	srv := newBackend(t, garbage, okPing)

	lines := runBridge(t, srv, reqLine(9, "tools/call")+"\n", fixture{})
	if len(lines) != 1 {
		t.Fatalf("expected 1 response got %d", len(lines))
	}
	if lines[0].Error == nil || lines[0].Error.Code != -32700 {
		t.Fatalf("expected -32700 got %+v", lines[0].Error)
	}
	if string(lines[0].ID) != "9" {
		t.Fatalf("expected original id kept, got %s", lines[0].ID)
	}
}

func TestReconnectWindowExhaustedFailsFast(t *testing.T) {
	var hits atomic.Int32
	mcp := func(w http.ResponseWriter, _ *http.Request) { hits.Add(1) }
	down := func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "starting", http.StatusServiceUnavailable) }
	srv := newBackend(t, mcp, down)

	f := fixture{monitor: health.NewMonitor(health.Options{
		ProbeURL:         srv.URL + "/ping",
		Client:           srv.Client(),
		FailureThreshold: 1,
		MaxTotalTime:     time.Nanosecond,
	})}

	start := time.Now()
	lines := runBridge(t, srv, reqLine(1, "tools/call")+"\n", f)
	elapsed := time.Since(start)

	if len(lines) != 1 {
		t.Fatalf("expected 1 response got %d", len(lines))
	}
	if lines[0].Error == nil || lines[0].Error.Code != -32004 {
		t.Fatalf("expected -32004 got %+v", lines[0].Error)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected immediate failure, took %v", elapsed)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no dispatch, got %d", hits.Load())
	}
}

func TestUnhealthyBelowThresholdProceeds(t *testing.T) {
	var hits atomic.Int32
	down := func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "starting", http.StatusServiceUnavailable) }
	srv := newBackend(t, echoBackend(&hits), down)

	lines := runBridge(t, srv, reqLine(1, "tools/call")+"\n", fixture{})
	if len(lines) != 1 {
		t.Fatalf("expected 1 response got %d", len(lines))
	}
	if lines[0].Error != nil {
		t.Fatalf("expected optimistic dispatch to succeed, got %+v", lines[0].Error)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 dispatch got %d", hits.Load())
	}
}

func TestSkipHealthMethodsBypassGate(t *testing.T) {
	var hits, probes atomic.Int32
	down := func(w http.ResponseWriter, _ *http.Request) {
		probes.Add(1)
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}
	srv := newBackend(t, echoBackend(&hits), down)

	f := fixture{
		monitor: health.NewMonitor(health.Options{
			ProbeURL:         srv.URL + "/ping",
			Client:           srv.Client(),
			FailureThreshold: 1,
			MaxTotalTime:     time.Nanosecond,
		}),
		skip: []string{"tools/list"},
	}
	lines := runBridge(t, srv, reqLine(1, "tools/list")+"\n", f)

	if len(lines) != 1 || lines[0].Error != nil {
		t.Fatalf("expected success, got %+v", lines)
	}
	if probes.Load() != 0 {
		t.Fatalf("expected no probe for skipped method, got %d", probes.Load())
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 dispatch got %d", hits.Load())
	}
}

func TestPanicRecoveredAsInternalError(t *testing.T) {
	srv := newBackend(t, nil, okPing)

	lines := runBridge(t, srv, reqLine(3, "tools/call")+"\n", fixture{nilDispatcher: true})
	if len(lines) != 1 {
		t.Fatalf("expected 1 response got %d", len(lines))
	}
	if lines[0].Error == nil || lines[0].Error.Code != -32603 {
		t.Fatalf("expected -32603 got %+v", lines[0].Error)
	}
	if !strings.HasPrefix(lines[0].Error.Message, "Internal error") {
		t.Fatalf("unexpected message %q", lines[0].Error.Message)
	}
	if string(lines[0].ID) != "3" {
		t.Fatalf("expected id 3 got %s", lines[0].ID)
	}
}
