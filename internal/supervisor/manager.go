package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kestrel-video/agent/internal/audit"
	"github.com/kestrel-video/agent/internal/logging"
	"github.com/kestrel-video/agent/internal/proc"
	"github.com/kestrel-video/agent/internal/status"
)

var log = logging.L("supervisor")

// Lifecycle states of the managed child.
const (
	StateIdle     = "idle"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateError    = "error"
)

// ErrBusy is returned when a lifecycle action overlaps an in-flight stop.
var ErrBusy = errors.New("supervisor: lifecycle transition in progress")

// pollFailThreshold is how many consecutive status-poll failures demote a
// running child back to starting.
const pollFailThreshold = 3

// Config tunes the supervisor.
type Config struct {
	ChildCommand    string   // empty: the supervisor's own executable
	ChildArgs       []string // default ["run"]
	ChildStatusPort int
	StopTimeout     time.Duration // SIGTERM to SIGKILL escalation window
	PollInterval    time.Duration
	DataDir         string
	CatalogPath     string // optional YAML replacing the built-in catalog
	DefaultClasses  []string
}

func (c *Config) withDefaults() {
	if len(c.ChildArgs) == 0 {
		c.ChildArgs = []string{"run"}
	}
	if c.ChildStatusPort <= 0 {
		c.ChildStatusPort = 7081
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 4 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Snapshot is the manager's own state as reported to operators.
type Snapshot struct {
	State           string     `json:"state"`
	LastStartTs     int64      `json:"lastStartTs"`
	LastStopTs      int64      `json:"lastStopTs"`
	LastExit        *int       `json:"lastExit"`
	ChildPid        int        `json:"childPid"`
	ChildUptimeMs   int64      `json:"childUptimeMs"`
	StatusPort      int        `json:"statusPort"`
	Overrides       *Overrides `json:"overrides"`
	ChildCPUPercent float64    `json:"childCpuPercent"`
	ChildRssBytes   uint64     `json:"childRssBytes"`
}

// Manager supervises exactly one child agent process. It never restarts the
// child on its own: a crashed child stays down in the error state until an
// operator acts.
type Manager struct {
	cfg     Config
	catalog *Catalog
	store   *overrideStore
	audit   *audit.Logger
	client  *http.Client

	mu          sync.Mutex
	state       string
	cmd         *exec.Cmd
	exited      chan struct{}
	stopPoll    chan struct{}
	lastStartTs int64
	lastStopTs  int64
	lastExit    *int
	childPid    int
	pollFails   int
	overrides   *Overrides
	agentStatus *status.Snapshot
}

// New loads the catalog and any persisted overrides. The audit logger may be
// nil (audit disabled).
func New(cfg Config, auditLog *audit.Logger) (*Manager, error) {
	cfg.withDefaults()

	catalog, err := LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	store := newOverrideStore(cfg.DataDir)
	overrides, err := store.Load()
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		if unknown := catalog.Validate(overrides.ClassesFilter); len(unknown) > 0 {
			return nil, fmt.Errorf("supervisor: persisted overrides list unknown classes %v", unknown)
		}
	}

	return &Manager{
		cfg:       cfg,
		catalog:   catalog,
		store:     store,
		audit:     auditLog,
		client:    &http.Client{Timeout: 2 * time.Second},
		state:     StateIdle,
		overrides: overrides,
	}, nil
}

// Start spawns the child. Idempotent while the child is starting or running.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStarting, StateRunning:
		return nil
	case StateStopping:
		return ErrBusy
	}

	path := m.cfg.ChildCommand
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve child executable: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, m.cfg.ChildArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("EDGE_AGENT_STATUS_PORT=%d", m.cfg.ChildStatusPort),
	)
	if classes := m.effectiveClassesLocked(); len(classes) > 0 {
		cmd.Env = append(cmd.Env,
			"EDGE_AGENT_CLASSES_FILTER="+strings.Join(classes, ","),
		)
	}
	proc.SetGroup(cmd)

	if err := cmd.Start(); err != nil {
		m.state = StateError
		log.Error("child spawn failed", logging.KeyError, err)
		return fmt.Errorf("spawn child: %w", err)
	}

	m.cmd = cmd
	m.childPid = cmd.Process.Pid
	m.state = StateStarting
	m.lastStartTs = time.Now().UnixMilli()
	m.lastExit = nil
	m.pollFails = 0
	m.agentStatus = nil
	m.exited = make(chan struct{})
	m.stopPoll = make(chan struct{})

	go m.waitChild(cmd, m.exited, m.stopPoll)
	go m.pollLoop(m.stopPoll, m.exited)

	log.Info("child started", "pid", m.childPid, "command", path)
	return nil
}

// Stop terminates the child: SIGTERM, then SIGKILL of the whole process
// group after the stop timeout. Idempotent when no child is running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cmd == nil {
		if m.state != StateError {
			m.state = StateIdle
		}
		m.mu.Unlock()
		return nil
	}
	if m.state == StateStopping {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	cmd, exited := m.cmd, m.exited
	m.mu.Unlock()

	if err := proc.Terminate(cmd); err != nil {
		log.Warn("terminating child", logging.KeyError, err)
	}
	select {
	case <-exited:
	case <-time.After(m.cfg.StopTimeout):
		log.Warn("child ignored SIGTERM, killing process group", "pid", cmd.Process.Pid)
		proc.KillGroup(cmd)
		<-exited
	}
	return nil
}

// waitChild reaps the child and settles the final state.
func (m *Manager) waitChild(cmd *exec.Cmd, exited, stopPoll chan struct{}) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}

	m.mu.Lock()
	close(stopPoll)
	m.cmd = nil
	m.childPid = 0
	m.lastExit = &code
	m.lastStopTs = time.Now().UnixMilli()
	stopping := m.state == StateStopping
	if stopping || code == 0 {
		m.state = StateIdle
	} else {
		m.state = StateError
	}
	finalState := m.state
	m.mu.Unlock()

	log.Info("child exited", "code", code, logging.KeyState, finalState)
	m.audit.Log(audit.EventChildExit, "", map[string]any{
		"exitCode": code,
		"state":    finalState,
	})
	close(exited)
}

// pollLoop polls the child's status endpoint. The first success promotes
// starting to running; repeated failures while the child is alive demote it
// back to starting.
func (m *Manager) pollLoop(stopPoll, exited chan struct{}) {
	url := fmt.Sprintf("http://127.0.0.1:%d/status", m.cfg.ChildStatusPort)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopPoll:
			return
		case <-exited:
			return
		case <-ticker.C:
		}

		snap, err := m.pollOnce(url)

		m.mu.Lock()
		if m.state != StateStarting && m.state != StateRunning {
			m.mu.Unlock()
			continue
		}
		if err == nil {
			m.agentStatus = snap
			m.pollFails = 0
			if m.state == StateStarting {
				m.state = StateRunning
				log.Info("child healthy", "pid", m.childPid)
			}
		} else {
			m.pollFails++
			if m.state == StateRunning && m.pollFails >= pollFailThreshold {
				m.state = StateStarting
				log.Warn("child status endpoint unreachable", "fails", m.pollFails, logging.KeyError, err)
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) pollOnce(url string) (*status.Snapshot, error) {
	resp, err := m.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var snap status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Snapshot reports the manager's view, including child process telemetry.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		State:       m.state,
		LastStartTs: m.lastStartTs,
		LastStopTs:  m.lastStopTs,
		LastExit:    m.lastExit,
		ChildPid:    m.childPid,
		StatusPort:  m.cfg.ChildStatusPort,
		Overrides:   m.overrides,
	}
	if m.childPid != 0 && m.lastStartTs != 0 {
		snap.ChildUptimeMs = time.Now().UnixMilli() - m.lastStartTs
	}
	pid := m.childPid
	m.mu.Unlock()

	if pid != 0 {
		if p, err := process.NewProcess(int32(pid)); err == nil {
			if cpu, err := p.CPUPercent(); err == nil {
				snap.ChildCPUPercent = cpu
			}
			if mem, err := p.MemoryInfo(); err == nil && mem != nil {
				snap.ChildRssBytes = mem.RSS
			}
		}
	}
	return snap
}

// AgentStatus returns the last successfully polled child status, nil when
// the child was never reachable this run.
func (m *Manager) AgentStatus() *status.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentStatus
}

// Ready evaluates a readiness predicate for the start wait API.
func (m *Manager) Ready(predicate string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch predicate {
	case "child":
		return m.state == StateRunning
	case "heartbeat":
		return m.agentStatus != nil && m.agentStatus.HeartbeatTs > 0
	case "detection":
		return m.agentStatus != nil && m.agentStatus.Detections.Total > 0
	case "session":
		return m.agentStatus != nil && m.agentStatus.Session.Active
	}
	return false
}

// UpdateOverrides validates the classes against the catalog and persists
// them. The running child is NOT restarted; the operator restarts to apply.
func (m *Manager) UpdateOverrides(classes []string) error {
	if unknown := m.catalog.Validate(classes); len(unknown) > 0 {
		return fmt.Errorf("unknown classes: %s", strings.Join(unknown, ", "))
	}

	o := &Overrides{ClassesFilter: classes}
	if err := m.store.Save(o); err != nil {
		return fmt.Errorf("persist overrides: %w", err)
	}

	m.mu.Lock()
	m.overrides = o
	m.mu.Unlock()

	m.audit.Log(audit.EventClassesChanged, "", map[string]any{
		"classesFilter": classes,
	})
	log.Info("class overrides updated", "classes", classes)
	return nil
}

// ClassesView returns the override/effective/default class lists.
func (m *Manager) ClassesView() (overrides, effective, defaults []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides != nil {
		overrides = m.overrides.ClassesFilter
	}
	return overrides, m.effectiveClassesLocked(), m.cfg.DefaultClasses
}

// CatalogClasses exposes the catalog for the operator API.
func (m *Manager) CatalogClasses() []string { return m.catalog.Classes() }

func (m *Manager) effectiveClassesLocked() []string {
	if m.overrides != nil && len(m.overrides.ClassesFilter) > 0 {
		return m.overrides.ClassesFilter
	}
	return m.cfg.DefaultClasses
}
