// Package git sets up push-to-deploy: a bare repository next to its working
// directory and a post-receive hook checking out master and running a command.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/util"
)

const postReceiveHook = `#!/bin/sh
while read oldrev newrev refname
do
    branch=$(git rev-parse --symbolic --abbrev-ref $refname)
    if [ "master" = "$branch" ]; then
        GIT_WORK_TREE=%s git checkout -f
        cd %s
        %s
    fi
done
`

type Git struct {
	dir    string
	runner shell.Runner
	logger *slog.Logger
	now    func() time.Time
}

// New roots repositories under dir.
func New(dir string, runner shell.Runner, logger *slog.Logger) *Git {
	return &Git{dir: dir, runner: runner, logger: logger, now: time.Now}
}

// WorkingDir is where pushed content is checked out.
func (g *Git) WorkingDir(repo string) string {
	return filepath.Join(g.dir, repo)
}

// BareRepo is the repository clients push to.
func (g *Git) BareRepo(repo string) string {
	return g.WorkingDir(repo) + ".git"
}

// HookFile is the post-receive hook of repo.
func (g *Git) HookFile(repo string) string {
	return filepath.Join(g.BareRepo(repo), "hooks", "post-receive")
}

// InitBareRepo creates the working, logs and bare directories and runs
// git init --bare in the latter. It returns false when the bare repository
// already existed.
func (g *Git) InitBareRepo(ctx context.Context, repo string) (bool, error) {
	working := g.WorkingDir(repo)
	for _, dir := range []string{working + ".logs", working} {
		if err := util.EnsureDir(dir); err != nil {
			return false, err
		}
	}

	bare := g.BareRepo(repo)
	if util.IsDir(bare) {
		g.logger.Info("bare repo already exists", "path", bare)
		return false, nil
	}
	if err := util.EnsureDir(bare); err != nil {
		return false, err
	}
	if _, err := g.runner.Run(ctx, shell.Command{Name: "git", Args: []string{"init", "--bare"}, Dir: bare}); err != nil {
		return false, fmt.Errorf("failed to init bare repo %s: %w", bare, err)
	}
	g.logger.Info("bare repo created", "path", bare)
	return true, nil
}

// UpdatePostReceiveHook writes a hook running command after each push to
// master. An existing hook is kept as post-receive-bk-<unix time>.
func (g *Git) UpdatePostReceiveHook(repo, command string) error {
	hook := g.HookFile(repo)

	if data, err := os.ReadFile(hook); err == nil {
		backup := fmt.Sprintf("%s-bk-%d", hook, g.now().Unix())
		if err := os.WriteFile(backup, data, 0o755); err != nil {
			return fmt.Errorf("failed to back up %s: %w", hook, err)
		}
		g.logger.Debug("post-receive hook backed up", "path", backup)
	}

	if err := util.EnsureDir(filepath.Dir(hook)); err != nil {
		return err
	}
	working := g.WorkingDir(repo)
	content := fmt.Sprintf(postReceiveHook, working, working, command)
	if err := atomicwriter.WriteFile(hook, []byte(content), 0o755); err != nil {
		return fmt.Errorf("failed to write %s: %w", hook, err)
	}
	g.logger.Info("post-receive hook updated", "repo", repo, "command", command)
	return nil
}
