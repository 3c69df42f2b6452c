// Package manager is the per-user agent manager: a daemon on the user's
// control queue that starts and stops the namespace's agents through
// supervisord and keeps the monitor informed with frequent heartbeats.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/eic-swf/testbed"
	"github.com/eic-swf/testbed/config"
)

const heartbeatInterval = 30 * time.Second

// programNames maps agent keys of the [agents] config section to their
// supervisord program names.
var programNames = map[string]string{
	"data":            "example-data-agent",
	"processing":      "example-processing-agent",
	"fastmon":         "example-fastmon-agent",
	"fast_processing": "fast-processing-agent",
}

// Commands accepted on the control queue.
const (
	CmdStartTestbed = "start_testbed"
	CmdStopTestbed  = "stop_testbed"
	CmdRestart      = "restart"
	CmdStatus       = "status"
	CmdPing         = "ping"
)

// Manager is the user agent manager daemon.
type Manager struct {
	agent      *testbed.Agent
	supervisor Supervisor
	username   string
	loadConfig func(name string) (*config.Testbed, error)
	respawn    func() error
	logger     *slog.Logger

	mu            sync.Mutex
	agentsRunning bool
	restart       bool
	cancel        context.CancelFunc
}

// Option configures the Manager.
type Option func(*managerConfig)

type managerConfig struct {
	logger     *slog.Logger
	tracer     testbed.Tracer
	loadConfig func(name string) (*config.Testbed, error)
	respawn    func() error
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *managerConfig) { c.logger = l }
}

// WithTracer sets the tracer for message-handling spans.
func WithTracer(t testbed.Tracer) Option {
	return func(c *managerConfig) { c.tracer = t }
}

// WithConfigLoader overrides how start_testbed resolves a config name to a
// testbed configuration. The default loads the named path, falling back to
// $SWF_TESTBED_CONFIG when the name is empty.
func WithConfigLoader(load func(name string) (*config.Testbed, error)) Option {
	return func(c *managerConfig) { c.loadConfig = load }
}

// WithRespawn overrides how restart launches the replacement process. The
// default re-executes the current binary in a new session.
func WithRespawn(respawn func() error) Option {
	return func(c *managerConfig) { c.respawn = respawn }
}

// New builds the manager for one user. The agent listens on
// /queue/agent_control.<username> and heartbeats every thirty seconds.
func New(transport testbed.Transport, reporter testbed.Reporter, supervisor Supervisor,
	username, namespace string, opts ...Option) *Manager {
	var c managerConfig
	for _, opt := range opts {
		opt(&c)
	}
	m := &Manager{
		supervisor: supervisor,
		username:   username,
		loadConfig: c.loadConfig,
		respawn:    c.respawn,
	}
	if m.loadConfig == nil {
		m.loadConfig = config.LoadTestbed
	}
	if m.respawn == nil {
		m.respawn = respawnSelf
	}

	agentOpts := []testbed.AgentOption{
		testbed.WithName("agent-manager-" + username),
		testbed.WithNamespace(namespace),
		testbed.WithSubscriptions(testbed.AgentControlQueue(username)),
		testbed.WithHandler(m.onMessage),
		testbed.WithHeartbeatInterval(heartbeatInterval),
	}
	if c.logger != nil {
		agentOpts = append(agentOpts, testbed.WithLogger(c.logger))
	}
	if c.tracer != nil {
		agentOpts = append(agentOpts, testbed.WithTracer(c.tracer))
	}
	m.agent = testbed.NewAgent("agent_manager", transport, reporter, agentOpts...)
	m.logger = m.agent.Logger()
	return m
}

// Run runs the dispatch loop until ctx is cancelled or a restart command
// hands over to a fresh process.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	err := m.agent.Run(runCtx)
	m.mu.Lock()
	restarted := m.restart
	m.mu.Unlock()
	if restarted {
		m.logger.Info("handing over to replacement process")
		return nil
	}
	return err
}

func (m *Manager) onMessage(ctx context.Context, f testbed.Frame) error {
	var cmd testbed.ManagerCommand
	if err := json.Unmarshal(f.Body, &cmd); err != nil {
		// Malformed control messages are dropped, not escalated. The queue
		// is auto-ack, so there is nothing to NACK.
		m.logger.Error("unparseable control message", "error", err)
		return nil
	}
	m.logger.Info("control command", "command", cmd.Command)

	switch cmd.Command {
	case CmdStartTestbed:
		return m.startTestbed(ctx, cmd.ConfigName)
	case CmdStopTestbed:
		m.stopTestbed(ctx)
		return nil
	case CmdRestart:
		return m.restartSelf(ctx)
	case CmdStatus:
		return m.replyStatus(ctx, cmd.ReplyTo)
	case CmdPing:
		return m.replyPing(ctx, cmd.ReplyTo)
	default:
		m.logger.Warn("unknown control command", "command", cmd.Command)
		return nil
	}
}

// startTestbed brings up supervisord, the workflow runner and every agent
// enabled in the configuration.
func (m *Manager) startTestbed(ctx context.Context, configName string) error {
	tb, err := m.loadConfig(configName)
	if err != nil {
		return fmt.Errorf("start_testbed config: %w", err)
	}
	if err := m.supervisor.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("start_testbed: %w", err)
	}
	if err := m.supervisor.Start(ctx, "workflow-runner"); err != nil {
		return fmt.Errorf("start_testbed: %w", err)
	}
	for key, enabled := range tb.Agents {
		if !enabled {
			continue
		}
		program, ok := programNames[key]
		if !ok {
			m.logger.Warn("no supervisord program for agent", "agent", key)
			continue
		}
		if err := m.supervisor.Start(ctx, program); err != nil {
			m.logger.Error("agent start failed", "program", program, "error", err)
			continue
		}
		m.logger.Info("agent started", "program", program)
	}
	m.mu.Lock()
	m.agentsRunning = true
	m.mu.Unlock()
	m.logger.Info("testbed started", "namespace", tb.Namespace)
	return nil
}

// stopTestbed stops every supervised program. Failures are logged, the
// manager keeps serving commands.
func (m *Manager) stopTestbed(ctx context.Context) {
	if err := m.supervisor.StopAll(ctx); err != nil {
		m.logger.Error("stop all failed", "error", err)
	}
	m.mu.Lock()
	m.agentsRunning = false
	m.mu.Unlock()
	m.logger.Info("testbed stopped")
}

// restartSelf stops the agents, launches a replacement manager in a new
// session and ends this one's run loop.
func (m *Manager) restartSelf(ctx context.Context) error {
	m.stopTestbed(ctx)
	if err := m.respawn(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	m.mu.Lock()
	m.restart = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (m *Manager) replyStatus(ctx context.Context, replyTo string) error {
	out, err := m.supervisor.Status(ctx)
	if err != nil {
		m.logger.Warn("supervisord status failed", "error", err)
	}
	m.mu.Lock()
	running := m.agentsRunning
	m.mu.Unlock()
	reply := map[string]any{
		"username":           m.username,
		"agents_running":     running,
		"supervisord_status": out,
		"timestamp":          testbed.Timestamp(),
	}
	return m.reply(ctx, replyTo, reply)
}

func (m *Manager) replyPing(ctx context.Context, replyTo string) error {
	return m.reply(ctx, replyTo, map[string]any{
		"status":    "alive",
		"username":  m.username,
		"timestamp": testbed.Timestamp(),
	})
}

func (m *Manager) reply(ctx context.Context, replyTo string, v any) error {
	if replyTo == "" {
		return nil
	}
	return m.agent.Publish(ctx, replyTo, v, nil)
}

// respawnSelf re-executes the current binary with the same arguments in a
// new session, detached from this process group.
func respawnSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
