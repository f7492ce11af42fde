package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"

	"github.com/supreme-majesty/propel/pkg/adapters"
	"github.com/supreme-majesty/propel/pkg/adapters/linux"
	"github.com/supreme-majesty/propel/pkg/config"
	"github.com/supreme-majesty/propel/pkg/deploy"
	"github.com/supreme-majesty/propel/pkg/events"
	"github.com/supreme-majesty/propel/pkg/logging"
	"github.com/supreme-majesty/propel/pkg/manifest"
	"github.com/supreme-majesty/propel/pkg/portalloc"
	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/supervisor"
	"github.com/supreme-majesty/propel/pkg/util"
)

// host bundles everything a command needs to act on this machine.
type host struct {
	cfg        *config.Config
	logger     *slog.Logger
	runner     shell.Runner
	system     adapters.SystemAdapter
	supervisor *supervisor.Client
	ports      *portalloc.Allocator
	bus        *events.Bus
	dir        string
	out        io.Writer
}

func newHost(ctx context.Context) (*host, error) {
	cfg, err := config.Load(configPath, configPath == config.DefaultPath)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logLevel)
	runner := shell.NewExecRunner()

	distro, err := linux.DetectDistro(ctx)
	if err != nil {
		return nil, err
	}

	ports, err := portalloc.New(cfg.PortMin, cfg.PortMax, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	dir := workDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if silent {
		out = io.Discard
	}

	return &host{
		cfg:        cfg,
		logger:     logger,
		runner:     runner,
		system:     linux.NewLinuxAdapter(distro, cfg, runner, logger),
		supervisor: supervisor.NewClient(cfg, runner, logger),
		ports:      ports,
		bus:        events.NewBus(),
		dir:        dir,
		out:        out,
	}, nil
}

func (h *host) printf(format string, args ...any) {
	fmt.Fprintf(h.out, format, args...)
}

// requireSetup refuses to run on a host propel setup never prepared.
func (h *host) requireSetup() error {
	if !util.IsDir(h.cfg.SupervisorConfDir) {
		return fmt.Errorf("propel has not been set up yet, run 'propel setup': %s is missing: %w",
			h.cfg.SupervisorConfDir, errdefs.ErrFailedPrecondition)
	}
	return nil
}

// app loads the manifest of the working directory.
func (h *host) app() (*deploy.App, error) {
	if err := h.requireSetup(); err != nil {
		return nil, err
	}
	m, err := manifest.LoadFile(filepath.Join(h.dir, h.cfg.ManifestFile))
	if err != nil {
		return nil, err
	}
	return h.newApp(m), nil
}

func (h *host) newApp(m *manifest.Manifest) *deploy.App {
	return deploy.New(deploy.Deps{
		Config:     h.cfg,
		Logger:     h.logger,
		Runner:     h.runner,
		System:     h.system,
		Supervisor: h.supervisor,
		Ports:      h.ports,
		Events:     h.bus,
		Verbose:    !silent,
		Out:        h.out,
	}, m, h.dir)
}

// finish prints the deployment summary and turns recorded failures into the
// command's error.
func (h *host) finish(app *deploy.App, websites bool) error {
	h.printf("\n%s\n* Propel Deployment Summary *\n\n", dashes)
	if venv := app.Virtualenv(); venv.Enabled() {
		h.printf("- Virtualenv: %s\n", venv.Name)
	}
	if websites {
		for _, site := range app.Summary() {
			h.printf("- Webapp: %s\n", site.Name)
			if site.Process != "" {
				h.printf("\t Gunicorn port: %d\n", site.Port)
				h.printf("\t Supervisor process name: %s\n", site.Process)
			}
		}
	}

	report := app.Report()
	if report.OK() {
		h.printf("\nCompleted!\n")
		return nil
	}
	h.printf("\nCompleted with %d failed step(s):\n", len(report.Failures))
	for _, f := range report.Failures {
		h.printf("  - %s\n", f.Error())
	}
	return fmt.Errorf("%d step(s) failed, re-run once fixed: %w", len(report.Failures), errdefs.ErrUnavailable)
}
