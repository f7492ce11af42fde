// Package shell runs external commands on the host. Everything propel does to
// supervisord, nginx, virtualenvwrapper and git goes through a Runner so the
// reconciler can be exercised against a fake host.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/errdefs"
)

// Command describes one external invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
	// Stream sends output to the terminal instead of capturing it.
	Stream bool
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	if c.Stream {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return nil, &ExitError{Command: c.String(), Err: err}
		}
		return nil, nil
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), &ExitError{Command: c.String(), Output: out.String(), Err: err}
	}
	return out.Bytes(), nil
}

// ExitError is returned when a command cannot start or exits non-zero.
// It classifies as errdefs.ErrUnavailable.
type ExitError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	if out := strings.TrimSpace(e.Output); out != "" {
		return fmt.Sprintf("command %q failed: %v: %s", e.Command, e.Err, out)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *ExitError) Unwrap() []error {
	return []error{e.Err, errdefs.ErrUnavailable}
}

// Bash wraps a shell snippet for an interactive bash, which is what
// virtualenvwrapper needs to find its functions through .bashrc.
func Bash(script string) Command {
	return Command{Name: "/bin/bash", Args: []string{"-i", "-c", script}}
}

// Sh wraps a shell snippet for /bin/sh.
func Sh(script string) Command {
	return Command{Name: "/bin/sh", Args: []string{"-c", script}}
}
