// Package settings holds the runtime tuning of an agentgrid process: pool
// sizing, dispatch limits, scheduler defaults, backoff, history retention,
// metrics reporting and the built-in modules. Settings are read from a YAML
// file; every key is optional and falls back to Default.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VMTypes are the simulated VM worker types prewarmed by default.
var VMTypes = []string{
	"gpu-accelerated",
	"high-memory",
	"compliance-certified",
	"nft-minter",
	"treasury-optimizer",
}

type Settings struct {
	Pool      Pool      `yaml:"pool"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Scheduler Scheduler `yaml:"scheduler"`
	Backoff   Backoff   `yaml:"backoff"`
	History   History   `yaml:"history"`
	Metrics   Metrics   `yaml:"metrics"`
	Modules   Modules   `yaml:"modules"`
}

type Pool struct {
	// Prewarm is the standby target per worker type.
	Prewarm      map[string]int `yaml:"prewarm"`
	IdleTimeout  time.Duration  `yaml:"idle_timeout"`
	ReapInterval time.Duration  `yaml:"reap_interval"`
}

type Dispatch struct {
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	// CallbackRate is the number of callback URL deliveries per second.
	CallbackRate float64 `yaml:"callback_rate"`
}

type Scheduler struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
}

type Backoff struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type History struct {
	Size          int           `yaml:"size"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	Redis         *Redis        `yaml:"redis"`
}

// Redis switches result history to a Redis backend.
type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Metrics struct {
	// SummaryInterval is how often the performance summary is logged. Zero
	// disables it.
	SummaryInterval time.Duration `yaml:"summary_interval"`
}

// Modules configures the built-in step handler modules.
type Modules struct {
	// SimulateLatency makes the VM operations take their typical time.
	SimulateLatency bool     `yaml:"simulate_latency"`
	HTTP            HTTP     `yaml:"http"`
	SocketIO        SocketIO `yaml:"socketio"`
}

type HTTP struct {
	Timeout time.Duration `yaml:"timeout"`
}

type SocketIO struct {
	URL                string        `yaml:"url"`
	Namespace          string        `yaml:"namespace"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

// Default returns the built-in settings.
func Default() *Settings {
	prewarm := make(map[string]int, len(VMTypes))
	for _, t := range VMTypes {
		prewarm[t] = 5
	}
	return &Settings{
		Pool: Pool{
			Prewarm:      prewarm,
			IdleTimeout:  5 * time.Minute,
			ReapInterval: 30 * time.Second,
		},
		Dispatch: Dispatch{
			Concurrency:     20,
			PollInterval:    100 * time.Millisecond,
			DefaultTimeout:  300 * time.Second,
			CallbackTimeout: 5 * time.Second,
			CallbackRate:    10,
		},
		Scheduler: Scheduler{
			DefaultTimeout:    30 * time.Second,
			DefaultMaxRetries: 3,
		},
		Backoff: Backoff{
			Base:        time.Second,
			Cap:         30 * time.Second,
			MaxAttempts: 3,
		},
		History: History{
			Size:          1000,
			Retention:     time.Hour,
			PruneInterval: time.Minute,
		},
		Metrics: Metrics{
			SummaryInterval: time.Minute,
		},
		Modules: Modules{
			SimulateLatency: true,
			HTTP:            HTTP{Timeout: 30 * time.Second},
			SocketIO: SocketIO{
				Namespace:      "/",
				ConnectTimeout: 15 * time.Second,
			},
		},
	}
}

// Load reads settings from path on top of Default. An empty path returns
// the defaults.
func Load(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	s, err := Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes YAML settings from r on top of Default and validates them.
// Unknown keys are rejected.
func Parse(r io.Reader) (*Settings, error) {
	s := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that every value is usable.
func (s *Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	for t, n := range s.Pool.Prewarm {
		check(n >= 0, "pool.prewarm.%s must not be negative, got %d", t, n)
	}
	check(s.Pool.IdleTimeout >= 0, "pool.idle_timeout must not be negative")
	check(s.Pool.ReapInterval > 0, "pool.reap_interval must be positive")

	check(s.Dispatch.Concurrency > 0, "dispatch.concurrency must be positive, got %d", s.Dispatch.Concurrency)
	check(s.Dispatch.PollInterval > 0, "dispatch.poll_interval must be positive")
	check(s.Dispatch.DefaultTimeout > 0, "dispatch.default_timeout must be positive")
	check(s.Dispatch.CallbackTimeout > 0, "dispatch.callback_timeout must be positive")
	check(s.Dispatch.CallbackRate > 0, "dispatch.callback_rate must be positive")

	check(s.Scheduler.DefaultTimeout > 0, "scheduler.default_timeout must be positive")
	check(s.Scheduler.DefaultMaxRetries >= 0, "scheduler.default_max_retries must not be negative")

	check(s.Backoff.Base > 0, "backoff.base must be positive")
	check(s.Backoff.Cap >= s.Backoff.Base, "backoff.cap must be at least backoff.base")
	check(s.Backoff.MaxAttempts >= 0, "backoff.max_attempts must not be negative")

	check(s.History.Size > 0, "history.size must be positive, got %d", s.History.Size)
	check(s.History.Retention > 0, "history.retention must be positive")
	check(s.History.PruneInterval > 0, "history.prune_interval must be positive")
	if s.History.Redis != nil {
		check(s.History.Redis.Address != "", "history.redis.address is required when history.redis is set")
	}

	check(s.Metrics.SummaryInterval >= 0, "metrics.summary_interval must not be negative")

	check(s.Modules.HTTP.Timeout > 0, "modules.http.timeout must be positive")
	check(s.Modules.SocketIO.ConnectTimeout > 0, "modules.socketio.connect_timeout must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}
