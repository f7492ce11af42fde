package deploy

import (
	"context"
)

// Request selects what a deploy run touches.
type Request struct {
	Websites bool
	// Scripts are script groups run after the web pass, in order
	Scripts []string
	Workers bool
	// WithMaintenance puts every site in maintenance before the web pass
	WithMaintenance bool
}

// Empty reports a request that would do nothing.
func (r Request) Empty() bool {
	return !r.Websites && len(r.Scripts) == 0 && !r.Workers
}

// Deploy runs a full deployment:
//
//  1. maintenance window, when asked and sites are deployed
//  2. virtualenv and requirements
//  3. pre_web scripts, sites, post_web scripts
//  4. the requested script groups
//  5. workers
//
// Only configuration errors and cancellation end it early; everything else
// lands in the Report.
func (a *App) Deploy(ctx context.Context, req Request) error {
	// 1. Maintenance window
	if req.Websites && req.WithMaintenance {
		a.step(":: MAINTENANCE PAGE ON ::")
		if err := a.MaintenanceOn(ctx); err != nil {
			return err
		}
	}

	// 2. Virtualenv
	if a.venv.Enabled() {
		a.step("> SETTING UP VIRTUALENV: %s ...", a.venv.Name)
		a.fail("virtualenv", a.venv.Name, a.venv.Setup(ctx))

		a.step("> INSTALLING REQUIREMENTS ...")
		a.fail("virtualenv", a.venv.Name, a.venv.InstallRequirements(ctx, a.dir))
	}

	// 3. Web
	if req.Websites {
		a.step(":: DEPLOY WEBSITES ::")

		a.step("> Running script pre_web ...")
		if err := a.RunScripts(ctx, "pre_web"); err != nil {
			return err
		}

		a.step("> Deploying WEB ...")
		if err := a.DeployWeb(ctx, WebOptions{}); err != nil {
			return err
		}

		a.step("> Running script post_web ...")
		if err := a.RunScripts(ctx, "post_web"); err != nil {
			return err
		}
	}

	// 4. Scripts
	if len(req.Scripts) > 0 {
		a.step(":: RUN SCRIPTS ::")
		for _, group := range req.Scripts {
			a.step("> Scripts: %s ...", group)
			if err := a.RunScripts(ctx, group); err != nil {
				return err
			}
		}
	}

	// 5. Workers
	if req.Workers {
		a.step(":: RUN WORKERS ::")
		if err := a.RunWorkers(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

// Undeploy tears the project down: sites, workers, the undeploy scripts and
// finally the virtualenv.
func (a *App) Undeploy(ctx context.Context) error {
	a.step(":: UNDEPLOY ::")
	if err := a.DeployWeb(ctx, WebOptions{Undeploy: true}); err != nil {
		return err
	}
	if err := a.RunWorkers(ctx, true); err != nil {
		return err
	}
	if err := a.RunScripts(ctx, "undeploy"); err != nil {
		return err
	}
	a.fail("virtualenv", a.venv.Name, a.venv.Remove(ctx))
	return nil
}
