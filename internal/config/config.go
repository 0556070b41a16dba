// Package config loads and validates the supervisor's YAML configuration:
// the admin HTTP surface, process-wide logging, and the set of named worker
// pools the manager brings up at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete supervisor configuration.
type Config struct {
	Listen  string                 `yaml:"listen"`
	Admin   AdminConfig            `yaml:"admin"`
	Logging LogConfig              `yaml:"logging"`
	Watch   WatchConfig            `yaml:"watch"`
	Pools   map[string]*PoolConfig `yaml:"pools"`
}

// AdminConfig configures the supervisor's own HTTP surface: health,
// readiness, metrics, and (optionally) the pool event bus. It is an
// external collaborator from the pool's point of view, not part of the
// request-dispatch path.
type AdminConfig struct {
	Address      string    `yaml:"address"`
	HTTP2        bool      `yaml:"http2"`
	TLS          TLSConfig `yaml:"tls"`
	HTTPRedirect bool      `yaml:"http_redirect"`
	Metrics      MetricsConfig `yaml:"metrics"`
	Events       EventsConfig  `yaml:"events"`
}

type TLSConfig struct {
	Auto bool       `yaml:"auto"`
	Cert string     `yaml:"cert"`
	Key  string     `yaml:"key"`
	ACME ACMEConfig `yaml:"acme"`
}

type ACMEConfig struct {
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
	Staging  bool     `yaml:"staging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EventsConfig configures the WebSocket pool-event bus used to stream
// lifecycle events (autoscale, recycle, restart, maint, exit) to operators.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// WatchConfig enables file-change triggered rolling restarts: a change to a
// watched file under any of Dirs restarts every pool.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Dirs     []string `yaml:"dirs"`
	Exts     []string `yaml:"exts"`
	Interval Duration `yaml:"interval"`
}

// MaintMethod selects how a pool decides a worker is due for maintenance.
type MaintMethod string

const (
	MaintByRequests MaintMethod = "requests"
	MaintByTime     MaintMethod = "time"
)

// RequestRange describes max_requests_per_child, which may be a fixed
// scalar (Lo == Hi) or a range randomized per proxy at spawn time. Resolving
// it per spawn rather than per pool means a hot config edit never
// re-randomizes an already-running proxy's budget.
type RequestRange struct {
	Lo int
	Hi int
}

// UnmarshalYAML accepts either a scalar (`10`) or a two-element sequence
// (`[5, 15]`).
func (r *RequestRange) UnmarshalYAML(value *yaml.Node) error {
	var scalar int
	if err := value.Decode(&scalar); err == nil {
		r.Lo, r.Hi = scalar, scalar
		return nil
	}
	var pair [2]int
	if err := value.Decode(&pair); err != nil {
		return fmt.Errorf("max_requests_per_child must be an int or a [lo, hi] pair: %w", err)
	}
	r.Lo, r.Hi = pair[0], pair[1]
	return nil
}

func (r RequestRange) MarshalYAML() (interface{}, error) {
	if r.Lo == r.Hi {
		return r.Lo, nil
	}
	return [2]int{r.Lo, r.Hi}, nil
}

// PoolConfig is one named pool's configuration. Fields grouped under Hot
// are read through an atomic snapshot (see internal/pool) so tick
// observations stay internally consistent even while a test or an operator
// edits them at runtime; the rest are fixed at pool creation.
type PoolConfig struct {
	Name    string            `yaml:"-"`
	Script  string            `yaml:"script"`
	Exec    string            `yaml:"exec"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Labels  map[string]string `yaml:"labels"`

	MinChildren          int          `yaml:"min_children"`
	MaxChildren          int          `yaml:"max_children"`
	MaxConcurrentRequests int         `yaml:"max_concurrent_requests"`
	MaxRequestsPerChild  RequestRange `yaml:"max_requests_per_child"`
	MaxConcurrentLaunches int         `yaml:"max_concurrent_launches"`
	MaxConcurrentMaint   int          `yaml:"max_concurrent_maint"`
	ChildHeadroomPct     int          `yaml:"child_headroom_pct"`
	ChildBusyFactor      int          `yaml:"child_busy_factor"`

	StartupTimeout  Duration `yaml:"startup_timeout_sec"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout_sec"`
	RequestTimeout  Duration `yaml:"request_timeout_sec"`
	MaintTimeout    Duration `yaml:"maint_timeout_sec"`

	AutoMaint    bool        `yaml:"auto_maint"`
	MaintMethod  MaintMethod `yaml:"maint_method"`
	MaintRequests int64      `yaml:"maint_requests"`
	MaintTimeSec  Duration   `yaml:"maint_time_sec"`

	URIMatch string   `yaml:"uri_match"`
	ACL      []string `yaml:"acl"`
}

// Hot returns the subset of fields that may be hot-edited on a running
// pool. It is the snapshot type stored behind the pool's atomic.Pointer.
func (c *PoolConfig) Hot() *Hot {
	return &Hot{
		MaxChildren:           c.MaxChildren,
		MaxConcurrentRequests: c.MaxConcurrentRequests,
		MaxConcurrentLaunches: c.MaxConcurrentLaunches,
		MaxConcurrentMaint:    c.MaxConcurrentMaint,
		ChildHeadroomPct:      c.ChildHeadroomPct,
		ChildBusyFactor:       c.ChildBusyFactor,
		AutoMaint:             c.AutoMaint,
		MaintMethod:           c.MaintMethod,
		MaintRequests:         c.MaintRequests,
		MaintTimeSec:          c.MaintTimeSec.Duration(),
	}
}

// Hot is the hot-editable slice of a PoolConfig, read atomically by the
// pool's tick loop and dispatch path. See DESIGN.md for the rationale
// (tests mutate max_children, max_concurrent_launches and
// child_headroom_pct on a live pool).
type Hot struct {
	MaxChildren           int
	MaxConcurrentRequests int
	MaxConcurrentLaunches int
	MaxConcurrentMaint    int
	ChildHeadroomPct      int
	ChildBusyFactor       int
	AutoMaint             bool
	MaintMethod           MaintMethod
	MaintRequests         int64
	MaintTimeSec          time.Duration
}

// Duration is a time.Duration that unmarshals from a YAML duration string
// ("30s", "2m") rather than a raw integer of nanoseconds. Config values are
// written in seconds (e.g. request_timeout_sec: 30) but accept any unit
// time.ParseDuration understands.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}

	for name, pc := range cfg.Pools {
		pc.Name = name
		applyPoolDefaults(pc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Admin.Address == "" {
		return fmt.Errorf("admin.address is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	for name, pc := range c.Pools {
		if err := pc.Validate(); err != nil {
			return fmt.Errorf("pool %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks a single pool config for invalid values.
func (pc *PoolConfig) Validate() error {
	if pc.Script == "" {
		return fmt.Errorf("script is required")
	}
	if pc.MinChildren < 1 {
		return fmt.Errorf("min_children must be >= 1, got %d", pc.MinChildren)
	}
	if pc.MaxChildren < pc.MinChildren {
		return fmt.Errorf("max_children (%d) must be >= min_children (%d)", pc.MaxChildren, pc.MinChildren)
	}
	if pc.MaxRequestsPerChild.Lo < 0 || pc.MaxRequestsPerChild.Hi < pc.MaxRequestsPerChild.Lo {
		return fmt.Errorf("max_requests_per_child range is invalid: [%d, %d]", pc.MaxRequestsPerChild.Lo, pc.MaxRequestsPerChild.Hi)
	}
	if pc.MaxConcurrentLaunches < 1 {
		return fmt.Errorf("max_concurrent_launches must be >= 1, got %d", pc.MaxConcurrentLaunches)
	}
	if pc.AutoMaint {
		switch pc.MaintMethod {
		case MaintByRequests:
			if pc.MaintRequests <= 0 {
				return fmt.Errorf("maint_requests must be > 0 when maint_method=requests")
			}
		case MaintByTime:
			if pc.MaintTimeSec.Duration() <= 0 {
				return fmt.Errorf("maint_time_sec must be > 0 when maint_method=time")
			}
		default:
			return fmt.Errorf("maint_method must be 'requests' or 'time', got %q", pc.MaintMethod)
		}
	}
	return nil
}
