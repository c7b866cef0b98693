// Package check implements the one-shot backend diagnosis behind the
// -check flag. It exercises the backend the way a real session would:
// a liveness probe first, then an MCP initialize handshake and a
// tools/list call over streamable HTTP.
package check

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultTimeout bounds a whole diagnosis run.
const DefaultTimeout = 15 * time.Second

// Report holds the outcome of one diagnosis run. The liveness probe is
// informational only; many backends serve /mcp without any health
// endpoint, so the verdict follows the MCP handshake alone.
type Report struct {
	ProbeURL string
	MCPURL   string

	LivenessOK  bool
	LivenessErr string

	InitializeOK    bool
	ProtocolVersion string
	ServerName      string
	ServerVersion   string

	ToolsOK    bool
	ToolsCount int

	Err     string
	Elapsed time.Duration
}

// OK reports whether the backend passed the deep check.
func (r Report) OK() bool { return r.InitializeOK && r.ToolsOK }

// Run diagnoses the backend at mcpURL, probing probeURL along the way.
// A non-positive timeout falls back to DefaultTimeout.
func Run(ctx context.Context, probeURL, mcpURL string, httpClient *http.Client, timeout time.Duration) (rep Report) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() { rep.Elapsed = time.Since(start) }()

	rep.ProbeURL = probeURL
	rep.MCPURL = mcpURL
	rep.LivenessOK, rep.LivenessErr = probe(ctx, probeURL, httpClient)

	cl, err := client.NewStreamableHttpClient(mcpURL)
	if err != nil {
		rep.Err = fmt.Sprintf("client: %v", err)
		return rep
	}
	defer func() { _ = cl.Close() }()

	if err := cl.Start(ctx); err != nil {
		rep.Err = fmt.Sprintf("start: %v", err)
		return rep
	}
	initRes, err := cl.Initialize(ctx, mcp.InitializeRequest{})
	if err != nil {
		rep.Err = fmt.Sprintf("initialize: %v", err)
		return rep
	}
	rep.InitializeOK = true
	rep.ProtocolVersion = initRes.ProtocolVersion
	rep.ServerName = initRes.ServerInfo.Name
	rep.ServerVersion = initRes.ServerInfo.Version

	tools, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		rep.Err = fmt.Sprintf("tools/list: %v", err)
		return rep
	}
	rep.ToolsOK = true
	rep.ToolsCount = len(tools.Tools)
	return rep
}

func probe(ctx context.Context, probeURL string, httpClient *http.Client) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false, err.Error()
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false, fmt.Sprintf("status %d", res.StatusCode)
	}
	return true, ""
}

// Print writes a human readable summary. The bridge reserves stdout for
// protocol frames, so callers send this to stderr.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "mcpgate check: %s\n", r.MCPURL)
	if r.LivenessOK {
		fmt.Fprintf(w, "  liveness    ok       GET %s\n", r.ProbeURL)
	} else {
		fmt.Fprintf(w, "  liveness    failed   GET %s (%s)\n", r.ProbeURL, r.LivenessErr)
	}
	if r.InitializeOK {
		fmt.Fprintf(w, "  initialize  ok       protocol %s, server %s %s\n", r.ProtocolVersion, r.ServerName, r.ServerVersion)
	} else {
		fmt.Fprintf(w, "  initialize  failed\n")
	}
	switch {
	case r.ToolsOK:
		fmt.Fprintf(w, "  tools/list  ok       %d tools\n", r.ToolsCount)
	case r.InitializeOK:
		fmt.Fprintf(w, "  tools/list  failed\n")
	default:
		fmt.Fprintf(w, "  tools/list  skipped\n")
	}
	if r.Err != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Err)
	}
	if r.OK() {
		fmt.Fprintf(w, "backend healthy (%.2fs)\n", r.Elapsed.Seconds())
	} else {
		fmt.Fprintf(w, "backend unhealthy (%.2fs)\n", r.Elapsed.Seconds())
	}
}
