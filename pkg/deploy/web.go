package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"github.com/supreme-majesty/propel/pkg/events"
	"github.com/supreme-majesty/propel/pkg/manifest"
	"github.com/supreme-majesty/propel/pkg/nginx"
	"github.com/supreme-majesty/propel/pkg/supervisor"
	"github.com/supreme-majesty/propel/pkg/util"
)

// WebOptions selects the flavour of a web pass.
type WebOptions struct {
	// Undeploy removes every site, as if each had remove set
	Undeploy bool
	// Maintenance turns blanket maintenance on when the manifest has no
	// maintenance section of its own
	Maintenance bool
}

var bindRe = regexp.MustCompile(`-b 0\.0\.0\.0:(\d+)\b`)

// DeployWeb reconciles every site of the manifest, then reloads the web
// services and supervisord once.
func (a *App) DeployWeb(ctx context.Context, opts WebOptions) error {
	policy := a.manifest.Policy()
	if a.manifest.Maintenance == nil && opts.Maintenance {
		policy = manifest.Maintenance{Active: true}
	}

	if len(a.manifest.Web) == 0 {
		a.logger.Warn("manifest has no web sites")
		return nil
	}

	for _, site := range a.manifest.Web {
		if err := ctx.Err(); err != nil {
			return err
		}
		if site.Exclude {
			a.logger.Info("site excluded", "site", site.Name)
			continue
		}

		confFile := a.deps.System.NginxConfFile(site.Name)
		if site.Remove || opts.Undeploy {
			a.removeSite(ctx, site, confFile)
			continue
		}

		port := 0
		if site.HasBackend() {
			if policy.Blanket() {
				// no backend runs under blanket maintenance
				a.fail("web", site.Name, a.deps.Supervisor.Stop(ctx, site.ProcessName(), true))
			} else {
				p, err := a.backendPort(ctx, site)
				if err != nil {
					return fmt.Errorf("failed to allocate a port for %s: %w", site.Name, err)
				}
				port = p
				a.startProgram(ctx, "web", supervisor.Program{
					Name:        site.ProcessName(),
					Command:     a.gunicornCommand(site, port),
					Directory:   a.dir,
					User:        site.User,
					Environment: site.Environment.Supervisor(),
				})
			}
		}

		logsDir := ""
		if site.Nginx.LogsDir == "" {
			logsDir = a.dir + ".logs"
			if err := util.EnsureDir(logsDir); err != nil {
				a.fail("web", site.Name, err)
			}
		}

		content := nginx.Render(nginx.Input{
			Site:            site,
			Directory:       a.dir,
			LogsDir:         logsDir,
			ProxyPort:       port,
			Maintenance:     policy,
			DefaultPort:     a.cfg.NginxDefaultPort,
			MaintenanceRoot: a.cfg.MaintenanceRoot,
		})
		if err := writeConf(confFile, []byte(content)); err != nil {
			a.fail("web", site.Name, err)
			continue
		}

		deployed := DeployedSite{Name: site.Name, ConfFile: confFile, Port: port}
		if site.HasBackend() {
			deployed.Process = site.ProcessName()
		}
		a.deployed = append(a.deployed, deployed)
		a.deps.Events.Publish(events.Event{
			Type:    events.SiteDeployed,
			Payload: events.SitePayload{Name: site.Name, ConfFile: confFile, Port: port, Process: deployed.Process},
		})
		a.logger.Info("site deployed", "site", site.Name, "port", port, "conf", confFile)
	}

	a.ReloadServer(ctx)
	return nil
}

// MaintenanceOn serves the maintenance page on every site and stops their
// backends. The manifest is left as is; MaintenanceOff undoes it.
func (a *App) MaintenanceOn(ctx context.Context) error {
	policy := manifest.Maintenance{Active: true, Page: a.manifest.Policy().Page}

	for _, site := range a.manifest.Web {
		if err := ctx.Err(); err != nil {
			return err
		}
		if site.Exclude || site.Remove {
			continue
		}

		confFile := a.deps.System.NginxConfFile(site.Name)
		content := nginx.Render(nginx.Input{
			Site:            site,
			Directory:       a.dir,
			Maintenance:     policy,
			DefaultPort:     a.cfg.NginxDefaultPort,
			MaintenanceRoot: a.cfg.MaintenanceRoot,
		})
		if err := writeConf(confFile, []byte(content)); err != nil {
			a.fail("maintenance", site.Name, err)
		}
		if site.HasBackend() {
			a.fail("maintenance", site.Name, a.deps.Supervisor.Stop(ctx, site.ProcessName(), true))
		}
		a.logger.Info("site in maintenance", "site", site.Name)
	}

	a.ReloadServer(ctx)
	return nil
}

// MaintenanceOff puts every site back into service.
func (a *App) MaintenanceOff(ctx context.Context) error {
	return a.DeployWeb(ctx, WebOptions{})
}

func (a *App) removeSite(ctx context.Context, site manifest.Site, confFile string) {
	removed, err := util.RemoveFile(confFile)
	if err != nil {
		a.fail("web", site.Name, fmt.Errorf("failed to delete %s: %w", confFile, err))
	}
	if site.HasBackend() {
		if err := a.deps.Supervisor.Stop(ctx, site.ProcessName(), true); err != nil {
			a.fail("web", site.Name, err)
		} else {
			a.publishStopped(site.ProcessName())
		}
	}
	a.deps.Events.Publish(events.Event{
		Type:    events.SiteRemoved,
		Payload: events.SitePayload{Name: site.Name, ConfFile: confFile},
	})
	a.logger.Info("site removed", "site", site.Name, "conf_deleted", removed)
}

// backendPort keeps the port of an existing definition while it is still
// usable, so an unchanged site renders the same command and config again.
// A live program keeps its port even though the port check finds it busy: the
// listener is most likely the program itself.
func (a *App) backendPort(ctx context.Context, site manifest.Site) (int, error) {
	name := site.ProcessName()
	if def, err := a.deps.Supervisor.Definition(name); err == nil {
		if m := bindRe.FindStringSubmatch(def.Command); m != nil {
			port, _ := strconv.Atoi(m[1])
			if a.deps.Ports.Contains(port) {
				state, _ := a.deps.Supervisor.Status(ctx, name)
				if state.Live() || !a.deps.Ports.InUse(ctx, port) {
					a.logger.Debug("reusing backend port", "site", site.Name, "port", port)
					return port, nil
				}
			}
		}
	}
	return a.deps.Ports.Allocate(ctx)
}

func (a *App) gunicornCommand(site manifest.Site, port int) string {
	options := a.gunicornDefaults().Merge(site.Gunicorn).String()
	command := fmt.Sprintf("%s -b 0.0.0.0:%d %s %s", a.venv.Bin("gunicorn"), port, site.Application, options)
	return strings.TrimSpace(command)
}

func (a *App) startProgram(ctx context.Context, stage string, p supervisor.Program) {
	res, err := a.deps.Supervisor.Start(ctx, p)
	if err != nil {
		a.fail(stage, p.Name, err)
		return
	}
	a.deps.Events.Publish(events.Event{
		Type:    events.ProcessStarted,
		Payload: events.ProcessPayload{Name: p.Name, Result: string(res)},
	})
}

func (a *App) publishStopped(name string) {
	a.deps.Events.Publish(events.Event{
		Type:    events.ProcessStopped,
		Payload: events.ProcessPayload{Name: name, Result: "removed"},
	})
}

// writeConf replaces path with content, leaving an identical file untouched.
func writeConf(path string, content []byte) error {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return nil
	}
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
