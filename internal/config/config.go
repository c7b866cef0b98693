package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpgate/mcpgate/internal/dispatch"
)

// Config holds configuration for the mcpgate bridge. Values are resolved in
// order: built-in defaults, MCPGATE_* environment variables, the optional
// YAML config file, command line flags.
type Config struct {
	// Backend is the base URL of the remote MCP backend, taken from the
	// first positional argument.
	Backend string

	ConfigFile string
	LogLevel   string
	LogFormat  string
	StatusAddr string

	// Profile names the backend profile ("default", "coldstart"); empty
	// means auto-detect from the backend host. After Finalize it holds the
	// resolved name.
	Profile           string
	ColdStart         bool
	HealthPath        string
	SkipHealthMethods []string

	FailureThreshold   int
	RecoveryTimeout    time.Duration
	ProbeTimeout       time.Duration
	ReconnectBudget    time.Duration
	TrustWindow        time.Duration
	WarmupInterval     time.Duration
	AggressiveInterval time.Duration

	// MaxAttempts is the dispatch attempt budget; 0 means the profile
	// default (5 cold-start, 3 otherwise).
	MaxAttempts    int
	FastMethods    []string
	FastTimeout    time.Duration
	GeneralTimeout time.Duration

	CacheMethods  []string
	CacheTTL      time.Duration
	CacheCapacity int

	// RequestsPerSecond throttles outbound dispatch attempts; 0 disables.
	RequestsPerSecond float64
	Burst             int

	Check bool
}

// Profile bundles the backend-specific tuning applied before user overrides:
// probe path, retry budget, and which methods may skip the health gate.
type Profile struct {
	Name              string
	HealthPath        string
	ColdStart         bool
	MaxAttempts       int
	SkipHealthMethods []string
}

// coldStartSuffixes identifies scale-to-zero hosting platforms whose
// backends routinely need tens of seconds to accept their first request.
var coldStartSuffixes = []string{".onrender.com", ".fly.dev", ".up.railway.app"}

// DefaultProfile is used for backends with no cold-start markers.
func DefaultProfile() Profile {
	return Profile{Name: "default", HealthPath: "/ping", MaxAttempts: dispatch.DefaultMaxAttempts}
}

// ColdStartProfile is used for scale-to-zero backends. tools/list skips the
// health gate so capability discovery never pays probe latency.
func ColdStartProfile() Profile {
	return Profile{
		Name:              "coldstart",
		HealthPath:        "/health",
		ColdStart:         true,
		MaxAttempts:       dispatch.DefaultColdStartAttempts,
		SkipHealthMethods: []string{"tools/list"},
	}
}

// DetectProfile resolves the profile for a backend host. An explicit name
// wins; otherwise the host is matched against known scale-to-zero suffixes.
func DetectProfile(host, name string) (Profile, error) {
	switch name {
	case "coldstart":
		return ColdStartProfile(), nil
	case "default":
		return DefaultProfile(), nil
	case "", "auto":
	default:
		return Profile{}, fmt.Errorf("unknown profile %q (want default or coldstart)", name)
	}
	host = strings.ToLower(host)
	for _, suffix := range coldStartSuffixes {
		if strings.HasSuffix(host, suffix) {
			return ColdStartProfile(), nil
		}
	}
	return DefaultProfile(), nil
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *Config) BindFlags() {
	c.ConfigFile = getEnv("MCPGATE_CONFIG", "")
	c.LogLevel = getEnv("MCPGATE_LOG_LEVEL", "info")
	c.LogFormat = getEnv("MCPGATE_LOG_FORMAT", "auto")
	c.StatusAddr = getEnv("MCPGATE_STATUS_ADDR", "")
	c.Profile = getEnv("MCPGATE_PROFILE", "")
	c.HealthPath = getEnv("MCPGATE_HEALTH_PATH", "")
	c.SkipHealthMethods = splitComma(getEnv("MCPGATE_SKIP_HEALTH_METHODS", ""))

	c.FailureThreshold = parseInt(getEnv("MCPGATE_FAILURE_THRESHOLD", "3"), 3)
	c.RecoveryTimeout = parseDuration(getEnv("MCPGATE_RECOVERY_TIMEOUT", "30s"), 30*time.Second)
	c.ProbeTimeout = parseDuration(getEnv("MCPGATE_PROBE_TIMEOUT", "10s"), 10*time.Second)
	c.ReconnectBudget = parseDuration(getEnv("MCPGATE_RECONNECT_BUDGET", "10m"), 10*time.Minute)
	c.TrustWindow = parseDuration(getEnv("MCPGATE_TRUST_WINDOW", "30s"), 30*time.Second)
	c.WarmupInterval = parseDuration(getEnv("MCPGATE_WARMUP_INTERVAL", "5m"), 5*time.Minute)
	c.AggressiveInterval = parseDuration(getEnv("MCPGATE_AGGRESSIVE_INTERVAL", "15s"), 15*time.Second)

	c.MaxAttempts = parseInt(getEnv("MCPGATE_MAX_ATTEMPTS", "0"), 0)
	c.FastMethods = splitComma(getEnv("MCPGATE_FAST_METHODS", "ping,tools/list,prompts/list,resources/list"))
	c.FastTimeout = parseDuration(getEnv("MCPGATE_FAST_TIMEOUT", "15s"), 15*time.Second)
	c.GeneralTimeout = parseDuration(getEnv("MCPGATE_GENERAL_TIMEOUT", "60s"), 60*time.Second)

	c.CacheMethods = splitComma(getEnv("MCPGATE_CACHE_METHODS", "tools/list,prompts/list,resources/list"))
	c.CacheTTL = parseDuration(getEnv("MCPGATE_CACHE_TTL", "30s"), 30*time.Second)
	c.CacheCapacity = parseInt(getEnv("MCPGATE_CACHE_CAPACITY", "64"), 64)

	c.RequestsPerSecond = parseFloat(getEnv("MCPGATE_RPS", "0"), 0)
	c.Burst = parseInt(getEnv("MCPGATE_BURST", "1"), 1)

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path (YAML)")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (json, console, auto)")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "status/metrics HTTP listen address; empty to disable")
	flag.StringVar(&c.Profile, "profile", c.Profile, "backend profile (default, coldstart); empty to auto-detect from the backend host")
	flag.StringVar(&c.HealthPath, "health-path", c.HealthPath, "liveness probe path; empty for the profile default")
	flag.Var(newCSVValue(c.SkipHealthMethods, &c.SkipHealthMethods), "skip-health-methods", "comma separated methods dispatched without the health gate")
	flag.IntVar(&c.FailureThreshold, "failure-threshold", c.FailureThreshold, "consecutive failures before the circuit opens")
	flag.DurationVar(&c.RecoveryTimeout, "recovery-timeout", c.RecoveryTimeout, "how long the circuit stays open before a half-open trial")
	flag.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "timeout for a single liveness probe")
	flag.DurationVar(&c.ReconnectBudget, "reconnect-budget", c.ReconnectBudget, "total time allowed for reconnection waits, measured from process start")
	flag.DurationVar(&c.TrustWindow, "trust-window", c.TrustWindow, "how recently a probe must have succeeded to skip the pre-dispatch probe")
	flag.DurationVar(&c.WarmupInterval, "warmup-interval", c.WarmupInterval, "background keep-warm probe interval")
	flag.DurationVar(&c.AggressiveInterval, "aggressive-interval", c.AggressiveInterval, "background probe interval on cold-start profiles")
	flag.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "dispatch attempts per request; 0 for the profile default")
	flag.Var(newCSVValue(c.FastMethods, &c.FastMethods), "fast-methods", "comma separated methods with short timeouts and a fixed retry budget")
	flag.DurationVar(&c.FastTimeout, "fast-timeout", c.FastTimeout, "per-attempt timeout for fast methods")
	flag.DurationVar(&c.GeneralTimeout, "general-timeout", c.GeneralTimeout, "per-attempt timeout for all other methods")
	flag.Var(newCSVValue(c.CacheMethods, &c.CacheMethods), "cache-methods", "comma separated methods eligible for response caching")
	flag.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "response cache entry lifetime")
	flag.IntVar(&c.CacheCapacity, "cache-capacity", c.CacheCapacity, "response cache capacity in entries")
	flag.Float64Var(&c.RequestsPerSecond, "rps", c.RequestsPerSecond, "outbound dispatch rate limit; 0 to disable")
	flag.IntVar(&c.Burst, "burst", c.Burst, "outbound dispatch burst size")
	flag.BoolVar(&c.Check, "check", c.Check, "diagnose the backend connection and exit")
}

// Finalize validates the backend URL, resolves the profile, and fills the
// profile-dependent fields left unset. args are the positional arguments
// remaining after flag parsing.
func (c *Config) Finalize(args []string) error {
	if len(args) > 0 {
		c.Backend = args[0]
	} else {
		c.Backend = getEnv("MCPGATE_BACKEND", "")
	}
	if c.Backend == "" {
		return fmt.Errorf("backend URL required (positional argument or MCPGATE_BACKEND)")
	}
	u, err := url.Parse(c.Backend)
	if err != nil {
		return fmt.Errorf("backend URL %q: %w", c.Backend, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend URL %q: scheme must be http or https", c.Backend)
	}
	if u.Host == "" {
		return fmt.Errorf("backend URL %q: missing host", c.Backend)
	}
	c.Backend = strings.TrimRight(c.Backend, "/")

	p, err := DetectProfile(u.Hostname(), c.Profile)
	if err != nil {
		return err
	}
	c.Profile = p.Name
	c.ColdStart = p.ColdStart
	if c.HealthPath == "" {
		c.HealthPath = p.HealthPath
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		c.HealthPath = "/" + c.HealthPath
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = p.MaxAttempts
	}
	if c.SkipHealthMethods == nil {
		c.SkipHealthMethods = p.SkipHealthMethods
	}
	return nil
}

// MCPURL returns the JSON-RPC dispatch endpoint. A backend URL that already
// names the /mcp endpoint is used as is.
func (c *Config) MCPURL() string {
	if strings.HasSuffix(c.Backend, "/mcp") {
		return c.Backend
	}
	return c.Backend + "/mcp"
}

// ProbeURL returns the liveness probe endpoint.
func (c *Config) ProbeURL() string {
	return strings.TrimSuffix(c.Backend, "/mcp") + c.HealthPath
}

// Redacted returns the backend URL with any userinfo password masked,
// safe for logs and the status payload.
func (c *Config) Redacted() string {
	u, err := url.Parse(c.Backend)
	if err != nil {
		return c.Backend
	}
	return u.Redacted()
}

// File is the YAML schema of the config file. Durations use Go duration
// syntax ("30s", "2m"). Only log, cache, and rate settings take effect on
// hot reload; the rest is read once at startup.
type File struct {
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
	Profile           string   `yaml:"profile"`
	HealthPath        string   `yaml:"health_path"`
	SkipHealthMethods []string `yaml:"skip_health_methods"`
	MaxAttempts       int      `yaml:"max_attempts"`
	FastMethods       []string `yaml:"fast_methods"`
	CacheMethods      []string `yaml:"cache_methods"`
	CacheTTL          string   `yaml:"cache_ttl"`
	CacheCapacity     int      `yaml:"cache_capacity"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// ParseFile reads and decodes a YAML config file.
func ParseFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

// Apply overlays the file's set values onto c.
func (c *Config) Apply(f *File) error {
	if f.LogLevel != "" {
		c.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		c.LogFormat = f.LogFormat
	}
	if f.Profile != "" {
		c.Profile = f.Profile
	}
	if f.HealthPath != "" {
		c.HealthPath = f.HealthPath
	}
	if f.SkipHealthMethods != nil {
		c.SkipHealthMethods = f.SkipHealthMethods
	}
	if f.MaxAttempts > 0 {
		c.MaxAttempts = f.MaxAttempts
	}
	if f.FastMethods != nil {
		c.FastMethods = f.FastMethods
	}
	if f.CacheMethods != nil {
		c.CacheMethods = f.CacheMethods
	}
	if f.CacheTTL != "" {
		d, err := time.ParseDuration(f.CacheTTL)
		if err != nil {
			return fmt.Errorf("cache_ttl: %w", err)
		}
		c.CacheTTL = d
	}
	if f.CacheCapacity > 0 {
		c.CacheCapacity = f.CacheCapacity
	}
	if f.RequestsPerSecond > 0 {
		c.RequestsPerSecond = f.RequestsPerSecond
	}
	if f.Burst > 0 {
		c.Burst = f.Burst
	}
	return nil
}

// LoadFile populates the config from a YAML file.
func (c *Config) LoadFile(path string) error {
	f, err := ParseFile(path)
	if err != nil {
		return err
	}
	return c.Apply(f)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func parseInt(v string, def int) int {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func parseFloat(v string, def float64) float64 {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

func parseDuration(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

// helper for flag CSV values
type csvValue struct {
	val []string
	dst *[]string
}

func newCSVValue(val []string, dst *[]string) *csvValue { return &csvValue{val: val, dst: dst} }

func (c *csvValue) String() string { return strings.Join(c.val, ",") }

// Set keeps an explicitly empty value as an empty non-nil list so a flag like
// --skip-health-methods= clears the profile default instead of unsetting it.
func (c *csvValue) Set(v string) error {
	c.val = splitComma(v)
	if c.val == nil {
		c.val = []string{}
	}
	*c.dst = c.val
	return nil
}

func getEnv(k, d string) string {
	if v := env(k); v != "" {
		return v
	}
	return d
}

var env = os.Getenv
