// Package config loads and validates benchmark configuration files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

var (
	// ErrSLAConfiguration is returned for latency settings that can't be explored
	ErrSLAConfiguration = errors.New("invalid SLA configuration")
	// ErrInvalid is returned for any other invalid option
	ErrInvalid = errors.New("invalid configuration")
)

// EnvPrefix prefixes the environment variables overriding file keys, e.g.
// BARISTA_LOAD_TESTING_WARMUP_ITERATIONS.
const EnvPrefix = "BARISTA"

func clog() *slog.Logger {
	return slog.With("component", "config.Config")
}

type Strategy string

const (
	StrategyFixed        Strategy = "FIXED"
	StrategyBinarySearch Strategy = "BINARY_SEARCH"
	StrategyAIMD         Strategy = "AIMD"
)

// PercentileKeys are the SLA keys that can be checked against wrk2 output.
var PercentileKeys = map[string]float64{
	"p50":    50,
	"p75":    75,
	"p90":    90,
	"p99":    99,
	"p9999":  99.99,
	"p99999": 99.999,
	"p100":   100,
}

type Config struct {
	// Benchmark names the run in results and history
	Benchmark string `mapstructure:"benchmark"`

	Mode          string   `mapstructure:"mode"`
	JavaHome      string   `mapstructure:"java_home"`
	AppExecutable string   `mapstructure:"app_executable"`
	VMOptions     []string `mapstructure:"vm_options"`
	AppArgs       []string `mapstructure:"app_args"`

	Endpoint string `mapstructure:"endpoint"`
	Output   string `mapstructure:"output"`

	CmdAppPrefix []string `mapstructure:"cmd_app_prefix"`
	// CmdAppPrefixInitTimeout in seconds
	CmdAppPrefixInitTimeout float64 `mapstructure:"cmd_app_prefix_init_timeout"`
	// ResourceUsagePollingInterval in seconds, 0 disables sampling
	ResourceUsagePollingInterval float64 `mapstructure:"resource_usage_polling_interval"`

	LoadGenerator string      `mapstructure:"load_generator"`
	LoadTesting   LoadTesting `mapstructure:"load_testing"`

	// dir scripts are resolved against
	dir string
}

type LoadTesting struct {
	Threads     int      `mapstructure:"threads"`
	Connections int      `mapstructure:"connections"`
	LuaScript   []string `mapstructure:"lua_script"`

	Startup    Startup `mapstructure:"startup"`
	Warmup     Phase   `mapstructure:"warmup"`
	Throughput Phase   `mapstructure:"throughput"`
	Latency    Latency `mapstructure:"latency_measurement"`
}

type Startup struct {
	Iterations int `mapstructure:"iterations"`
	Requests   int `mapstructure:"requests"`
	// Timeout in seconds without a response, 0 waits forever
	Timeout                 float64  `mapstructure:"timeout"`
	CmdAppPrefix            []string `mapstructure:"cmd_app_prefix"`
	CmdAppPrefixInitTimeout float64  `mapstructure:"cmd_app_prefix_init_timeout"`
}

// Phase is a load testing phase made of fixed length iterations.
type Phase struct {
	Iterations           int      `mapstructure:"iterations"`
	IterationTimeSeconds int      `mapstructure:"iteration_time_seconds"`
	Threads              int      `mapstructure:"threads"`
	Connections          int      `mapstructure:"connections"`
	LuaScript            []string `mapstructure:"lua_script"`
}

func (p Phase) Duration() time.Duration {
	return time.Duration(p.IterationTimeSeconds) * time.Second
}

// Runtime estimates the phase duration.
func (p Phase) Runtime() time.Duration {
	return time.Duration(p.Iterations) * p.Duration()
}

type Latency struct {
	Phase `mapstructure:",squash"`

	SearchStrategy Strategy  `mapstructure:"search_strategy"`
	Rates          []int     `mapstructure:"rates"`
	Percentages    []float64 `mapstructure:"percentages"`
	MinStepPercent float64   `mapstructure:"min_step_percent"`
	// RawSLA is the list of [percentile key, ms] pairs from the file
	RawSLA               [][]any `mapstructure:"SLA"`
	ProbeDurationSeconds float64 `mapstructure:"probe_duration_seconds"`
	BoundsTolerance      float64 `mapstructure:"bounds_tolerance"`

	// SLA maps a percentile to the maximum latency in ms, filled by Validate
	SLA map[float64]float64 `mapstructure:"-"`
}

func (l Latency) ProbeDuration() time.Duration {
	return time.Duration(l.ProbeDurationSeconds * float64(time.Second))
}

// Runtime estimates the exploration and the measurements that follow it.
func (l Latency) Runtime() time.Duration {
	measure := l.Phase.Runtime()
	switch l.SearchStrategy {
	case StrategyFixed:
		return measure * time.Duration(len(l.Rates)+len(l.Percentages))
	case StrategyBinarySearch:
		return measure + time.Duration(searchSteps(l.MinStepPercent))*l.ProbeDuration()
	case StrategyAIMD:
		return measure + time.Duration(3*(searchSteps(l.MinStepPercent)+1))*l.ProbeDuration()
	}
	return measure
}

func searchSteps(step float64) int {
	if step <= 0 {
		return 0
	}
	return int(math.Log2(1 / step))
}

var defaults = map[string]any{
	"mode":                            "jvm",
	"output":                          ".",
	"cmd_app_prefix_init_timeout":     5,
	"resource_usage_polling_interval": 0.02,
	"load_generator":                  "wrk",

	"load_testing.startup.iterations": 10,
	"load_testing.startup.requests":   10,
	"load_testing.startup.timeout":    60,

	"load_testing.latency_measurement.probe_duration_seconds": 30,
	"load_testing.latency_measurement.bounds_tolerance":       1.0,
}

// envKeys can be set through the environment without appearing in the file.
var envKeys = []string{
	"benchmark", "java_home", "app_executable", "vm_options", "app_args", "endpoint", "cmd_app_prefix",
	"load_testing.threads", "load_testing.connections", "load_testing.lua_script",
	"load_testing.startup.cmd_app_prefix", "load_testing.startup.cmd_app_prefix_init_timeout",
	"load_testing.warmup.iterations", "load_testing.warmup.iteration_time_seconds",
	"load_testing.warmup.threads", "load_testing.warmup.connections", "load_testing.warmup.lua_script",
	"load_testing.throughput.iterations", "load_testing.throughput.iteration_time_seconds",
	"load_testing.throughput.threads", "load_testing.throughput.connections", "load_testing.throughput.lua_script",
	"load_testing.latency_measurement.iterations", "load_testing.latency_measurement.iteration_time_seconds",
	"load_testing.latency_measurement.threads", "load_testing.latency_measurement.connections",
	"load_testing.latency_measurement.lua_script", "load_testing.latency_measurement.search_strategy",
	"load_testing.latency_measurement.rates", "load_testing.latency_measurement.percentages",
	"load_testing.latency_measurement.min_step_percent",
}

// NewViper returns a viper instance with the defaults and environment
// bindings used by Load. Flags may be bound to it before loading.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
	return v
}

// Load reads path (JSON or YAML) into v, decodes the result and validates
// it. An empty path loads from flags and the environment only.
func Load(v *viper.Viper, path string) (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if abs, err := filepath.Abs(path); err == nil {
			dir = filepath.Dir(abs)
		}
	}

	for _, k := range []string{
		"load_testing.warmup.iterations",
		"load_testing.warmup.iteration_time_seconds",
		"load_testing.latency_measurement.iterations",
		"load_testing.latency_measurement.iteration_time_seconds",
		"load_testing.latency_measurement.search_strategy",
	} {
		if !v.IsSet(k) {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalid, k)
		}
	}
	throughputSet := v.IsSet("load_testing.throughput.iterations")
	throughputTimeSet := v.IsSet("load_testing.throughput.iteration_time_seconds")

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.dir = dir
	if !throughputSet {
		clog().Warn("throughput iterations not set, using the warmup value", "iterations", c.LoadTesting.Warmup.Iterations)
		c.LoadTesting.Throughput.Iterations = c.LoadTesting.Warmup.Iterations
	}
	if !throughputTimeSet {
		clog().Warn("throughput iteration time not set, using the warmup value", "seconds", c.LoadTesting.Warmup.IterationTimeSeconds)
		c.LoadTesting.Throughput.IterationTimeSeconds = c.LoadTesting.Warmup.IterationTimeSeconds
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate applies fallbacks between global and phase settings, resolves
// script paths and rejects configurations that can't run.
func (c *Config) Validate() error {
	if c.Benchmark == "" {
		c.Benchmark = "benchmark"
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.Mode == "" {
		c.Mode = "jvm"
	}
	if c.Mode != "jvm" && c.Mode != "native" {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}
	if c.JavaHome == "" {
		c.JavaHome = os.Getenv("JAVA_HOME")
	}
	if c.AppExecutable != "" && !filepath.IsAbs(c.AppExecutable) && c.dir != "" {
		c.AppExecutable = filepath.Join(c.dir, c.AppExecutable)
	}
	if c.LoadGenerator == "" {
		c.LoadGenerator = "wrk"
	}
	if c.LoadGenerator != "wrk" && c.LoadGenerator != "builtin" {
		return fmt.Errorf("%w: unknown load generator %q", ErrInvalid, c.LoadGenerator)
	}
	if c.ResourceUsagePollingInterval < 0 {
		return fmt.Errorf("%w: negative resource usage polling interval", ErrInvalid)
	}
	if err := c.validateEndpoint(); err != nil {
		return err
	}

	lt := &c.LoadTesting
	if err := c.validateStartup(&lt.Startup); err != nil {
		return err
	}
	for name, p := range map[string]*Phase{
		"warmup":              &lt.Warmup,
		"throughput":          &lt.Throughput,
		"latency_measurement": &lt.Latency.Phase,
	} {
		if err := c.inherit(name, p); err != nil {
			return err
		}
	}
	return c.validateLatency(&lt.Latency)
}

func (c *Config) validateEndpoint() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: missing endpoint of the target application", ErrInvalid)
	}
	if !strings.Contains(c.Endpoint, "://") {
		c.Endpoint = "http://" + c.Endpoint
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: unparsable endpoint %q, expected [<protocol>://]<domain>[:<port>][/path]", ErrInvalid, c.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported protocol %q in endpoint %q, use http or https", ErrInvalid, u.Scheme, c.Endpoint)
	}
	return nil
}

func (c *Config) validateStartup(s *Startup) error {
	if s.Iterations > 0 && s.Requests <= 0 {
		return fmt.Errorf("%w: startup needs at least one request per iteration", ErrInvalid)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: negative startup timeout", ErrInvalid)
	}
	if len(s.CmdAppPrefix) == 0 {
		s.CmdAppPrefix = c.CmdAppPrefix
	}
	if s.CmdAppPrefixInitTimeout <= 0 {
		s.CmdAppPrefixInitTimeout = c.CmdAppPrefixInitTimeout
	}
	return nil
}

// inherit fills unset phase settings from the global load testing settings.
func (c *Config) inherit(name string, p *Phase) error {
	if p.Iterations < 0 || p.IterationTimeSeconds < 0 {
		return fmt.Errorf("%w: %s iterations and iteration time can't be negative", ErrInvalid, name)
	}
	if p.Iterations > 0 && p.IterationTimeSeconds == 0 {
		return fmt.Errorf("%w: %s needs iteration_time_seconds", ErrInvalid, name)
	}
	lt := c.LoadTesting
	if p.Threads <= 0 {
		p.Threads = max(lt.Threads, 1)
	}
	if p.Connections <= 0 {
		p.Connections = max(lt.Connections, 1)
	}
	if len(p.LuaScript) == 0 {
		p.LuaScript = lt.LuaScript
	}
	scripts, err := c.resolveScripts(p.LuaScript)
	if err != nil {
		return err
	}
	p.LuaScript = scripts
	return nil
}

// resolveScripts accepts absolute paths and paths relative to the config
// file directory.
func (c *Config) resolveScripts(paths []string) ([]string, error) {
	var res []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		candidates := []string{p}
		if !filepath.IsAbs(p) {
			candidates = []string{filepath.Join(c.dir, p)}
			if abs, err := filepath.Abs(p); err == nil {
				candidates = append([]string{abs}, candidates...)
			}
		}
		found := ""
		for _, cand := range candidates {
			if st, err := os.Stat(cand); err == nil && !st.IsDir() {
				found = cand
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("%w: lua script %q not found, the path must be absolute or relative to the config file", ErrInvalid, p)
		}
		res = append(res, found)
	}
	return res, nil
}

func (c *Config) validateLatency(l *Latency) error {
	l.SearchStrategy = Strategy(strings.ToUpper(string(l.SearchStrategy)))
	throughputIterations := c.LoadTesting.Throughput.Iterations

	sla, err := parseSLA(l.RawSLA)
	if err != nil {
		return err
	}
	l.SLA = sla

	if l.BoundsTolerance < 0 {
		return fmt.Errorf("%w: negative bounds tolerance", ErrSLAConfiguration)
	}
	if l.ProbeDurationSeconds <= 0 {
		l.ProbeDurationSeconds = 30
	}
	// accept 5 as well as 0.05
	if l.MinStepPercent > 1 {
		l.MinStepPercent /= 100
	}

	switch l.SearchStrategy {
	case StrategyFixed:
		if len(l.Percentages) > 0 && throughputIterations <= 0 {
			return fmt.Errorf("%w: latency percentages need at least one throughput iteration", ErrSLAConfiguration)
		}
		if l.Iterations > 0 && len(l.Rates) == 0 && len(l.Percentages) == 0 {
			return fmt.Errorf("%w: FIXED latency measurements need rates or percentages", ErrSLAConfiguration)
		}
		for _, r := range l.Rates {
			if r <= 0 {
				return fmt.Errorf("%w: rate %d must be positive", ErrSLAConfiguration, r)
			}
		}
		for _, p := range l.Percentages {
			if p <= 0 {
				return fmt.Errorf("%w: percentage %v must be positive", ErrSLAConfiguration, p)
			}
		}
	case StrategyBinarySearch, StrategyAIMD:
		if l.MinStepPercent <= 0 {
			return fmt.Errorf("%w: %s needs min_step_percent", ErrSLAConfiguration, l.SearchStrategy)
		}
		if throughputIterations <= 0 {
			return fmt.Errorf("%w: %s needs at least one throughput iteration", ErrSLAConfiguration, l.SearchStrategy)
		}
		if len(l.SLA) == 0 {
			return fmt.Errorf("%w: %s needs an SLA", ErrSLAConfiguration, l.SearchStrategy)
		}
	default:
		return fmt.Errorf("%w: unknown search strategy %q, use FIXED, BINARY_SEARCH or AIMD", ErrSLAConfiguration, l.SearchStrategy)
	}
	return nil
}

func parseSLA(raw [][]any) (map[float64]float64, error) {
	sla := make(map[float64]float64, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: SLA entries are [percentile, ms] pairs, got %v", ErrSLAConfiguration, pair)
		}
		key, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: SLA percentile %v is not a string", ErrSLAConfiguration, pair[0])
		}
		p, ok := PercentileKeys[strings.ToLower(key)]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported SLA percentile %q", ErrSLAConfiguration, key)
		}
		ms, err := toFloat(pair[1])
		if err != nil {
			return nil, fmt.Errorf("%w: SLA value for %s: %v", ErrSLAConfiguration, key, err)
		}
		sla[p] = ms
	}
	return sla, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.ResourceUsagePollingInterval * float64(time.Second))
}

func (c *Config) PrefixInitTimeout() time.Duration {
	return time.Duration(c.CmdAppPrefixInitTimeout * float64(time.Second))
}

func (s Startup) PrefixInitTimeout() time.Duration {
	return time.Duration(s.CmdAppPrefixInitTimeout * float64(time.Second))
}

func (s Startup) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout * float64(time.Second))
}

// TotalRuntime estimates the load testing phases, startup excluded.
func (c *Config) TotalRuntime() time.Duration {
	lt := c.LoadTesting
	return lt.Warmup.Runtime() + lt.Throughput.Runtime() + lt.Latency.Runtime()
}

// CreateRunDir creates the timestamped output directory of one run.
func (c *Config) CreateRunDir(now time.Time) (string, error) {
	name := now.Format("2006-01-02_15-04-05") + "-bench-" + uuid.NewString()[:6]
	dir := filepath.Join(c.Output, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	return dir, nil
}
