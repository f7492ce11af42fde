// Package supervisor drives an external supervisord through supervisorctl and
// the per-program definition files it includes.
//
// supervisord owns the authoritative process table. The Client only writes
// definitions and requests transitions; it keeps no state of its own between
// calls, so every decision starts from a fresh status query.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"github.com/supreme-majesty/propel/pkg/config"
	"github.com/supreme-majesty/propel/pkg/logging"
	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/util"
)

// State is the status word supervisorctl reports for a program.
// Besides the constants below supervisord may report STARTING, BACKOFF,
// STOPPING, EXITED, FATAL or UNKNOWN; those are passed through unchanged.
type State string

const (
	StateRunning  State = "RUNNING"
	StateStarting State = "STARTING"
	StateBackoff  State = "BACKOFF"
	StateStopped  State = "STOPPED"
	StateAbsent   State = "ABSENT"
)

// Live reports a program supervisord is running or still trying to bring up.
// Its process may hold resources such as a listening port.
func (s State) Live() bool {
	switch s {
	case StateRunning, StateStarting, StateBackoff:
		return true
	}
	return false
}

// Result tells what Start actually did.
type Result string

const (
	ResultUnchanged Result = "unchanged"
	ResultStarted   Result = "started"
	ResultRestarted Result = "restarted"
)

type Client struct {
	ctl     string
	confDir string
	logDir  string
	runner  shell.Runner
	logger  *slog.Logger
}

func NewClient(cfg *config.Config, runner shell.Runner, logger *slog.Logger) *Client {
	return &Client{
		ctl:     cfg.SupervisorCtl,
		confDir: cfg.SupervisorConfDir,
		logDir:  cfg.SupervisorLogDir,
		runner:  runner,
		logger:  logger,
	}
}

// ConfFile is the definition file path for name.
func (c *Client) ConfFile(name string) string {
	return filepath.Join(c.confDir, name+".conf")
}

// LogFile is where the program's stdout and stderr end up.
func (c *Client) LogFile(name string) string {
	return filepath.Join(c.logDir, name+".log")
}

func (c *Client) ctlRun(ctx context.Context, action, name string) ([]byte, error) {
	args := []string{action}
	if name != "" {
		args = append(args, name)
	}
	out, err := c.runner.Run(ctx, shell.Command{Name: c.ctl, Args: args})
	c.logger.Log(ctx, logging.LevelTrace, "supervisorctl", "action", action, "program", name, "output", strings.TrimSpace(string(out)))
	return out, err
}

// Status queries supervisord for name. Unknown programs are StateAbsent.
func (c *Client) Status(ctx context.Context, name string) (State, error) {
	out, err := c.ctlRun(ctx, "status", name)

	// supervisorctl exits non-zero for anything not RUNNING, so the output is
	// what counts, not the exit code.
	fields := strings.Fields(string(out))
	if len(fields) >= 2 && fields[0] == name {
		return State(fields[1]), nil
	}
	if err == nil || strings.Contains(string(out), "no such process") {
		return StateAbsent, nil
	}
	return StateAbsent, fmt.Errorf("failed to query status of %s: %w", name, err)
}

// Definition reads the current definition file of name.
func (c *Client) Definition(name string) (*Program, error) {
	return readProgram(c.ConfFile(name))
}

// Start makes sure p runs with exactly this definition.
//
// An identical definition of a live program (RUNNING, STARTING or BACKOFF) is
// left alone. Otherwise a live instance is stopped first, the definition is replaced, supervisord
// rereads and applies it, and the program is started. Failures of individual
// control actions are collected and returned together; only a failed write
// stops the sequence.
func (c *Client) Start(ctx context.Context, p Program) (Result, error) {
	p.LogFile = c.LogFile(p.Name)
	content := p.Render()
	confFile := c.ConfFile(p.Name)

	var errs []error
	state, err := c.Status(ctx, p.Name)
	if err != nil {
		errs = append(errs, err)
	}

	if existing, err := os.ReadFile(confFile); err == nil && bytes.Equal(existing, content) && state.Live() {
		c.logger.Debug("program unchanged", "program", p.Name)
		return ResultUnchanged, errors.Join(errs...)
	}

	result := ResultStarted
	if state.Live() {
		result = ResultRestarted
		if err := c.stop(ctx, p.Name); err != nil {
			errs = append(errs, err)
		}
	}

	if err := os.MkdirAll(c.confDir, 0o755); err != nil {
		return result, fmt.Errorf("failed to create %s: %w", c.confDir, err)
	}
	if err := atomicwriter.WriteFile(confFile, content, 0o644); err != nil {
		return result, fmt.Errorf("failed to write program definition %s: %w", confFile, err)
	}

	if err := c.Reload(ctx); err != nil {
		errs = append(errs, err)
	}

	if out, err := c.ctlRun(ctx, "start", p.Name); err != nil && !strings.Contains(string(out), "already started") {
		errs = append(errs, fmt.Errorf("failed to start %s: %w", p.Name, err))
	}

	c.logger.Info("program "+string(result), "program", p.Name)
	return result, errors.Join(errs...)
}

func (c *Client) stop(ctx context.Context, name string) error {
	out, err := c.ctlRun(ctx, "stop", name)
	if err != nil && !strings.Contains(string(out), "not running") {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

// Stop halts name. With remove the definition file is deleted and supervisord
// forgets the program. Stopping a program supervisord does not know and that
// has no definition file is a no-op.
func (c *Client) Stop(ctx context.Context, name string, remove bool) error {
	confFile := c.ConfFile(name)

	var errs []error
	state, err := c.Status(ctx, name)
	if err != nil {
		errs = append(errs, err)
	}
	defined := util.Exists(confFile)

	if state == StateAbsent && !defined {
		return errors.Join(errs...)
	}

	if state != StateAbsent && state != StateStopped {
		if err := c.stop(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	if remove {
		if defined {
			if err := os.Remove(confFile); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", confFile, err))
			}
		}
		if state != StateAbsent {
			if _, err := c.ctlRun(ctx, "remove", name); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", name, err))
			}
		}
	}

	if err := c.Reload(ctx); err != nil {
		errs = append(errs, err)
	}

	if remove {
		c.logger.Info("program removed", "program", name)
	} else {
		c.logger.Info("program stopped", "program", name)
	}
	return errors.Join(errs...)
}

// Reload makes supervisord pick up added, changed and removed definitions
// without touching unrelated programs: reread first, then update.
func (c *Client) Reload(ctx context.Context) error {
	var errs []error
	if _, err := c.ctlRun(ctx, "reread", ""); err != nil {
		errs = append(errs, fmt.Errorf("supervisorctl reread: %w", err))
	}
	if _, err := c.ctlRun(ctx, "update", ""); err != nil {
		errs = append(errs, fmt.Errorf("supervisorctl update: %w", err))
	}
	return errors.Join(errs...)
}
