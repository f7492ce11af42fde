// Package virtualenv manages the Python environment shared by a project's
// backends, workers and scripts through virtualenvwrapper.
package virtualenv

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/supreme-majesty/propel/pkg/config"
	"github.com/supreme-majesty/propel/pkg/manifest"
	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/util"
)

// Placeholders resolved in worker and script commands.
const (
	PythonEnv = "$PYTHON_ENV"
	LocalBin  = "$LOCAL_BIN"
	CWD       = "$CWD"
)

type Env struct {
	Name     string
	Rebuild  bool
	Home     string
	LocalBin string
	Packages []string
	// Verbose streams command output to the terminal
	Verbose bool

	runner shell.Runner
	logger *slog.Logger
}

// New describes the manifest's environment. An empty name means commands run
// outside any virtualenv, against the host's local bin.
func New(cfg *config.Config, spec manifest.Virtualenv, runner shell.Runner, logger *slog.Logger) *Env {
	home := cfg.VirtualenvDir
	if spec.Directory != "" {
		home = spec.Directory
	}
	return &Env{
		Name:     spec.Name,
		Rebuild:  spec.Rebuild,
		Home:     home,
		LocalBin: cfg.LocalBin,
		Packages: cfg.VirtualenvPackages,
		runner:   runner,
		logger:   logger,
	}
}

// Enabled reports whether the manifest declared an environment.
func (e *Env) Enabled() bool {
	return e.Name != ""
}

// BinDir is the environment's bin directory, or the local bin without one.
func (e *Env) BinDir() string {
	if !e.Enabled() {
		return e.LocalBin
	}
	return filepath.Join(e.Home, e.Name, "bin")
}

// Bin is the path of program inside BinDir.
func (e *Env) Bin(program string) string {
	return filepath.Join(e.BinDir(), program)
}

// Resolve substitutes $PYTHON_ENV, $LOCAL_BIN and $CWD in command.
func (e *Env) Resolve(command, directory string) string {
	return strings.NewReplacer(
		PythonEnv, e.Bin("python"),
		LocalBin, e.BinDir(),
		CWD, directory,
	).Replace(command)
}

// Command wraps script so it runs inside the environment.
func (e *Env) Command(script string) shell.Command {
	if e.Enabled() {
		script = fmt.Sprintf("workon %s; %s; deactivate", e.Name, script)
	}
	cmd := shell.Bash(script)
	cmd.Env = []string{"WORKON_HOME=" + e.Home}
	cmd.Stream = e.Verbose
	return cmd
}

// Run executes script once inside the environment.
func (e *Env) Run(ctx context.Context, script string) ([]byte, error) {
	e.logger.Debug("running in virtualenv", "virtualenv", e.Name, "script", script)
	return e.runner.Run(ctx, e.Command(script))
}

// Make creates the environment and installs the default packages.
func (e *Env) Make(ctx context.Context) error {
	mk := shell.Bash("mkvirtualenv " + e.Name)
	mk.Env = []string{"WORKON_HOME=" + e.Home}
	mk.Stream = e.Verbose
	if _, err := e.runner.Run(ctx, mk); err != nil {
		return fmt.Errorf("failed to create virtualenv %s: %w", e.Name, err)
	}
	if len(e.Packages) == 0 {
		return nil
	}
	if _, err := e.Run(ctx, e.Bin("pip")+" install "+strings.Join(e.Packages, " ")); err != nil {
		return fmt.Errorf("failed to install %s into %s: %w", strings.Join(e.Packages, ", "), e.Name, err)
	}
	return nil
}

// Remove deletes the environment.
func (e *Env) Remove(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	rm := shell.Bash("rmvirtualenv " + e.Name)
	rm.Env = []string{"WORKON_HOME=" + e.Home}
	rm.Stream = e.Verbose
	if _, err := e.runner.Run(ctx, rm); err != nil {
		return fmt.Errorf("failed to remove virtualenv %s: %w", e.Name, err)
	}
	return nil
}

// Setup makes the environment, destroying it first when a rebuild is asked.
func (e *Env) Setup(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	if e.Rebuild {
		if err := e.Remove(ctx); err != nil {
			return err
		}
	}
	return e.Make(ctx)
}

// InstallRequirements pip-installs dir/requirements.txt when there is one.
func (e *Env) InstallRequirements(ctx context.Context, dir string) error {
	requirements := filepath.Join(dir, "requirements.txt")
	if !util.Exists(requirements) {
		e.logger.Debug("no requirements file", "path", requirements)
		return nil
	}
	if _, err := e.Run(ctx, e.Bin("pip")+" install -r "+requirements); err != nil {
		return fmt.Errorf("failed to install requirements: %w", err)
	}
	return nil
}
