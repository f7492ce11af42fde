// Package deploy reconciles a host with a project's manifest: nginx configs,
// supervised gunicorn backends and workers, one-shot scripts and the
// virtualenv they all share.
//
// A pass processes sites, workers and scripts one at a time in manifest
// order. Failures of external commands are recorded in the Report and the
// pass carries on; re-running the pass is the way to converge.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/supreme-majesty/propel/pkg/adapters"
	"github.com/supreme-majesty/propel/pkg/config"
	"github.com/supreme-majesty/propel/pkg/events"
	"github.com/supreme-majesty/propel/pkg/manifest"
	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/supervisor"
	"github.com/supreme-majesty/propel/pkg/virtualenv"
)

// ProcessSupervisor is the part of supervisor.Client the reconciler needs.
type ProcessSupervisor interface {
	Status(ctx context.Context, name string) (supervisor.State, error)
	Definition(name string) (*supervisor.Program, error)
	Start(ctx context.Context, p supervisor.Program) (supervisor.Result, error)
	Stop(ctx context.Context, name string, remove bool) error
	Reload(ctx context.Context) error
}

// PortAllocator hands out backend ports.
type PortAllocator interface {
	Allocate(ctx context.Context) (int, error)
	InUse(ctx context.Context, port int) bool
	Contains(port int) bool
}

type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Runner     shell.Runner
	System     adapters.SystemAdapter
	Supervisor ProcessSupervisor
	Ports      PortAllocator
	Events     *events.Bus
	// CPUs sizes the default gunicorn worker count; 0 asks the host
	CPUs int
	// Verbose shows the output of scripts and virtualenv commands
	Verbose bool
	// Out receives progress lines, nil for none
	Out io.Writer
}

// DeployedSite is one line of the deployment summary.
type DeployedSite struct {
	Name     string
	ConfFile string
	Port     int
	Process  string
}

type App struct {
	deps     Deps
	cfg      *config.Config
	logger   *slog.Logger
	manifest *manifest.Manifest
	dir      string
	venv     *virtualenv.Env
	cpus     int
	report   *Report
	deployed []DeployedSite
}

// New binds a loaded manifest to the host. dir is the project directory the
// manifest was read from.
func New(deps Deps, m *manifest.Manifest, dir string) *App {
	cpus := deps.CPUs
	if cpus <= 0 {
		if n, err := cpu.Counts(true); err == nil && n > 0 {
			cpus = n
		} else {
			cpus = 1
		}
	}

	venv := virtualenv.New(deps.Config, m.Virtualenv, deps.Runner, deps.Logger)
	venv.Verbose = deps.Verbose

	return &App{
		deps:     deps,
		cfg:      deps.Config,
		logger:   deps.Logger,
		manifest: m,
		dir:      dir,
		venv:     venv,
		cpus:     cpus,
		report:   &Report{},
	}
}

// Report holds the failures recorded so far.
func (a *App) Report() *Report {
	return a.report
}

// Virtualenv is the environment the manifest declared.
func (a *App) Virtualenv() *virtualenv.Env {
	return a.venv
}

// Summary lists the sites deployed by this App, in manifest order.
func (a *App) Summary() []DeployedSite {
	return a.deployed
}

func (a *App) step(format string, args ...any) {
	if a.deps.Out != nil {
		fmt.Fprintf(a.deps.Out, format+"\n", args...)
	}
}

// fail records an external failure and lets the pass continue.
func (a *App) fail(stage, subject string, err error) {
	if err == nil {
		return
	}
	a.report.add(stage, subject, err)
	a.logger.Warn("step failed", "stage", stage, "subject", subject, "error", err)
	a.deps.Events.Publish(events.Event{
		Type:    events.CommandFailed,
		Payload: events.FailurePayload{Stage: stage, Subject: subject, Err: err},
	})
}

// gunicornDefaults are the backend options every site starts from.
func (a *App) gunicornDefaults() manifest.Options {
	return manifest.Options{
		{Key: "workers", Value: strconv.Itoa(a.cpus*2 + 1)},
		{Key: "threads", Value: strconv.Itoa(a.cfg.GunicornThreads)},
		{Key: "max-requests", Value: strconv.Itoa(a.cfg.GunicornMaxRequests)},
		{Key: "worker-class", Value: a.cfg.GunicornWorkerClass},
	}
}

// ReloadServer reloads the web services and supervisord.
func (a *App) ReloadServer(ctx context.Context) {
	a.fail("reload", a.deps.System.Name()+" services", a.deps.System.ReloadServices(ctx))
	a.fail("reload", "supervisor", a.deps.Supervisor.Reload(ctx))
	a.deps.Events.Publish(events.Event{Type: events.ServicesReloaded})
	a.logger.Debug("services reloaded")
}
