package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// AgentsConf is the supervisord configuration file the manager drives.
const AgentsConf = "agents.supervisord.conf"

// Supervisor controls the per-user supervisord instance. Supervisorctl is
// the real implementation; tests substitute a fake.
type Supervisor interface {
	// EnsureRunning starts supervisord when it is not already up.
	EnsureRunning(ctx context.Context) error
	// Start starts one supervisord program. Starting an already running
	// program is not an error.
	Start(ctx context.Context, program string) error
	// StopAll stops every program.
	StopAll(ctx context.Context) error
	// Status returns the raw supervisorctl status output.
	Status(ctx context.Context) (string, error)
}

// Supervisorctl shells out to supervisorctl/supervisord with the agents
// configuration in Dir.
type Supervisorctl struct {
	Dir string
}

var _ Supervisor = (*Supervisorctl)(nil)

func (s *Supervisorctl) confPath() string {
	return filepath.Join(s.Dir, AgentsConf)
}

func (s *Supervisorctl) ctl(ctx context.Context, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "supervisorctl", append([]string{"-c", s.confPath()}, args...)...)
	cmd.Dir = s.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}
	return out.String(), code, err
}

// EnsureRunning probes supervisord with a status call; exit code 4 means the
// control socket is unreachable, so supervisord is started.
func (s *Supervisorctl) EnsureRunning(ctx context.Context) error {
	_, code, err := s.ctl(ctx, "status")
	if err != nil {
		return fmt.Errorf("supervisorctl status: %w", err)
	}
	if code != 4 {
		return nil
	}
	cmd := exec.CommandContext(ctx, "supervisord", "-c", s.confPath())
	cmd.Dir = s.Dir
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("start supervisord: %w", err)
	}
	// Give the daemon a moment to open its control socket.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Supervisorctl) Start(ctx context.Context, program string) error {
	out, code, err := s.ctl(ctx, "start", program)
	if err != nil {
		return fmt.Errorf("start %s: %w", program, err)
	}
	if code == 0 || strings.Contains(strings.ToLower(out), "already started") {
		return nil
	}
	return fmt.Errorf("start %s: %s", program, strings.TrimSpace(out))
}

func (s *Supervisorctl) StopAll(ctx context.Context) error {
	out, code, err := s.ctl(ctx, "stop", "all")
	if err != nil {
		return fmt.Errorf("stop all: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("stop all: %s", strings.TrimSpace(out))
	}
	return nil
}

func (s *Supervisorctl) Status(ctx context.Context) (string, error) {
	out, _, err := s.ctl(ctx, "status")
	if err != nil {
		return "", fmt.Errorf("supervisorctl status: %w", err)
	}
	return out, nil
}
