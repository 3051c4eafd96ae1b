package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationResult separates problems the agent can run with from ones it
// cannot. Warnings correspond to values that were clamped or substituted in
// place; Fatals mean startup must abort.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// Validate checks the config, clamping recoverable values to safe defaults
// and reporting unrecoverable ones as fatal.
func (c *Config) Validate() ValidationResult {
	var r ValidationResult
	warnf := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
	}
	fatalf := func(format string, args ...any) {
		r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
	}

	if c.DeviceID == "" {
		fatalf("device_id must not be empty")
	}

	clampPort := func(name string, p *int, def int) {
		if *p < 1 || *p > 65535 {
			warnf("%s %d out of range, using %d", name, *p, def)
			*p = def
		}
	}
	clampPort("status_port", &c.StatusPort, 7080)
	clampPort("child_status_port", &c.ChildStatusPort, 7081)

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		warnf("log_level %q unknown, using info", c.LogLevel)
		c.LogLevel = "info"
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		warnf("log_format %q unknown, using text", c.LogFormat)
		c.LogFormat = "text"
	}
	if c.LogMaxSizeMB <= 0 {
		warnf("log_max_size_mb %d invalid, using 50", c.LogMaxSizeMB)
		c.LogMaxSizeMB = 50
	}
	if c.LogMaxBackups < 0 {
		warnf("log_max_backups %d invalid, using 3", c.LogMaxBackups)
		c.LogMaxBackups = 3
	}

	if c.AI.Width < 16 {
		warnf("ai.width %d too small, using 640", c.AI.Width)
		c.AI.Width = 640
	}
	if c.AI.Height < 16 {
		warnf("ai.height %d too small, using 640", c.AI.Height)
		c.AI.Height = 640
	}
	if c.AI.MaxInflight < 1 {
		warnf("ai.max_inflight %d invalid, using 1", c.AI.MaxInflight)
		c.AI.MaxInflight = 1
	}
	if c.AI.MaxInflight > 64 {
		warnf("ai.max_inflight %d too large, using 64", c.AI.MaxInflight)
		c.AI.MaxInflight = 64
	}
	if c.AI.ConfidenceThreshold < 0 {
		warnf("ai.confidence_threshold %v negative, using 0", c.AI.ConfidenceThreshold)
		c.AI.ConfidenceThreshold = 0
	}
	if c.AI.ConfidenceThreshold > 1 {
		warnf("ai.confidence_threshold %v above 1, using 1", c.AI.ConfidenceThreshold)
		c.AI.ConfidenceThreshold = 1
	}
	if c.AI.FpsIdle <= 0 {
		warnf("ai.fps_idle %v invalid, using 2.0", c.AI.FpsIdle)
		c.AI.FpsIdle = 2.0
	}
	if c.AI.FpsActive <= 0 {
		warnf("ai.fps_active %v invalid, using 6.0", c.AI.FpsActive)
		c.AI.FpsActive = 6.0
	}
	if c.AI.FpsActive < c.AI.FpsIdle {
		warnf("ai.fps_active %v below ai.fps_idle %v, raising to %v", c.AI.FpsActive, c.AI.FpsIdle, c.AI.FpsIdle)
		c.AI.FpsActive = c.AI.FpsIdle
	}

	c.AI.Policy = strings.ToUpper(strings.TrimSpace(c.AI.Policy))
	switch c.AI.Policy {
	case "LATEST_WINS", "DROP_OLDEST", "BLOCK":
	default:
		fatalf("ai.policy %q: must be LATEST_WINS, DROP_OLDEST or BLOCK", c.AI.Policy)
	}
	c.AI.PreferredFormat = strings.ToLower(strings.TrimSpace(c.AI.PreferredFormat))
	switch c.AI.PreferredFormat {
	case "rgb", "bgr", "gray":
	default:
		warnf("ai.preferred_format %q unknown, using rgb", c.AI.PreferredFormat)
		c.AI.PreferredFormat = "rgb"
	}
	if _, _, err := net.SplitHostPort(c.AI.Addr); err != nil {
		fatalf("ai.addr %q: %v", c.AI.Addr, err)
	}

	if c.FSM.DwellMs < 0 {
		warnf("fsm.dwell_ms %d negative, using 2000", c.FSM.DwellMs)
		c.FSM.DwellMs = 2000
	}
	if c.FSM.SilenceMs <= 0 {
		warnf("fsm.silence_ms %d invalid, using 5000", c.FSM.SilenceMs)
		c.FSM.SilenceMs = 5000
	}
	if c.FSM.PostrollMs < 0 {
		warnf("fsm.postroll_ms %d negative, using 3000", c.FSM.PostrollMs)
		c.FSM.PostrollMs = 3000
	}

	if u, err := url.Parse(c.Store.BaseURL); err != nil {
		fatalf("store.base_url %q: %v", c.Store.BaseURL, err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		fatalf("store.base_url %q: scheme must be http or https", c.Store.BaseURL)
	}
	if c.Store.TimeoutMs <= 0 {
		warnf("store.timeout_ms %d invalid, using 5000", c.Store.TimeoutMs)
		c.Store.TimeoutMs = 5000
	}

	if c.Stream.Path == "" {
		fatalf("stream.path must not be empty")
	}

	if c.Manager.StopTimeoutMs <= 0 {
		warnf("manager.stop_timeout_ms %d invalid, using 4000", c.Manager.StopTimeoutMs)
		c.Manager.StopTimeoutMs = 4000
	}
	if c.Manager.PollIntervalMs < 100 {
		warnf("manager.poll_interval_ms %d too small, using 1000", c.Manager.PollIntervalMs)
		c.Manager.PollIntervalMs = 1000
	}

	return r
}
