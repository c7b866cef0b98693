// Package status exposes the bridge's operator endpoints: a JSON status
// snapshot, liveness, version, and prometheus metrics. The protocol stream
// on stdout is never touched by this server.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/mcpgate/mcpgate/internal/health"
)

// Info identifies the running bridge instance.
type Info struct {
	ID        string `json:"id"`
	Backend   string `json:"backend"`
	Profile   string `json:"profile"`
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// Sources supplies the live readings reported by GET /status. Nil funcs are
// skipped, so partial wiring is fine in tests.
type Sources struct {
	Health       func() health.Snapshot
	BreakerState func() string
	CacheLen     func() int
	QueueDepth   func() int
}

// Payload is the JSON body served by GET /status.
type Payload struct {
	Info
	UptimeSeconds float64         `json:"uptime_s"`
	Health        health.Snapshot `json:"health"`
	Breaker       string          `json:"breaker"`
	CacheEntries  int             `json:"cache_entries"`
	QueueDepth    int             `json:"queue_depth"`
	CPUPercent    float64         `json:"cpu_percent"`
	RSSBytes      uint64          `json:"rss_bytes"`
}

// Handler builds the status router. reg is the metrics registry served on
// /metrics. CORS is open so local dashboards can poll the endpoints.
func Handler(info Info, src Sources, reg *prometheus.Registry) http.Handler {
	started := time.Now()
	proc, _ := process.NewProcess(int32(os.Getpid()))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		p := Payload{Info: info, UptimeSeconds: time.Since(started).Seconds()}
		if src.Health != nil {
			p.Health = src.Health()
		}
		if src.BreakerState != nil {
			p.Breaker = src.BreakerState()
		}
		if src.CacheLen != nil {
			p.CacheEntries = src.CacheLen()
		}
		if src.QueueDepth != nil {
			p.QueueDepth = src.QueueDepth()
		}
		if proc != nil {
			if cpu, err := proc.CPUPercent(); err == nil {
				p.CPUPercent = cpu
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				p.RSSBytes = mem.RSS
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// ServeUntilContext starts an HTTP server bound to addr and shuts it down
// when ctx is done. It returns the resolved listen address.
func ServeUntilContext(ctx context.Context, addr string, handler http.Handler) (string, error) {
	srv := &http.Server{Handler: handler}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() { _ = srv.Serve(ln) }()
	return actual, nil
}
