package config

import "time"

// Default returns a Config with sensible defaults applied before a YAML
// file is merged on top of it.
func Default() *Config {
	return &Config{
		Listen: "0.0.0.0:8080",
		Admin: AdminConfig{
			Address: "0.0.0.0:9090",
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
			Events:  EventsConfig{Enabled: false, Path: "/events"},
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Watch: WatchConfig{
			Enabled:  false,
			Dirs:     []string{},
			Exts:     []string{},
			Interval: Duration(2 * time.Second),
		},
		Pools: map[string]*PoolConfig{},
	}
}

// applyPoolDefaults fills the scheduling knobs of a pool config that was
// left zero-valued by the YAML document.
func applyPoolDefaults(pc *PoolConfig) {
	if pc.Exec == "" {
		pc.Exec = pc.Script
	}
	if pc.MinChildren == 0 {
		pc.MinChildren = 1
	}
	if pc.MaxChildren == 0 {
		pc.MaxChildren = pc.MinChildren
	}
	if pc.MaxConcurrentLaunches == 0 {
		pc.MaxConcurrentLaunches = pc.MaxChildren
	}
	if pc.MaxConcurrentMaint == 0 {
		pc.MaxConcurrentMaint = 1
	}
	if pc.ChildBusyFactor == 0 {
		pc.ChildBusyFactor = 1
	}
	if pc.StartupTimeout == 0 {
		pc.StartupTimeout = Duration(10 * time.Second)
	}
	if pc.ShutdownTimeout == 0 {
		pc.ShutdownTimeout = Duration(10 * time.Second)
	}
	if pc.MaintTimeout == 0 {
		pc.MaintTimeout = Duration(30 * time.Second)
	}
	if pc.MaxRequestsPerChild.Hi == 0 && pc.MaxRequestsPerChild.Lo == 0 {
		pc.MaxRequestsPerChild = RequestRange{Lo: 0, Hi: 0} // 0 means unlimited
	}
}
