package deploy

import (
	"context"

	"github.com/supreme-majesty/propel/pkg/events"
	"github.com/supreme-majesty/propel/pkg/manifest"
	"github.com/supreme-majesty/propel/pkg/supervisor"
)

// RunWorkers reconciles the manifest's workers. With undeploy every worker is
// removed, excluded ones included.
func (a *App) RunWorkers(ctx context.Context, undeploy bool) error {
	for _, w := range a.manifest.Workers {
		if err := ctx.Err(); err != nil {
			return err
		}

		remove, exclude := w.Remove, w.Exclude
		if undeploy {
			remove, exclude = true, false
		}
		if exclude {
			a.logger.Info("worker excluded", "worker", w.Name)
			continue
		}
		if remove {
			a.removeWorker(ctx, "workers", w.Name)
			continue
		}
		a.startWorker(ctx, "workers", w)
	}
	return nil
}

func (a *App) startWorker(ctx context.Context, stage string, w manifest.Worker) {
	directory := w.Directory
	if directory == "" {
		directory = a.dir
	}
	a.step("> Worker: %s ...", w.Name)
	a.startProgram(ctx, stage, supervisor.Program{
		Name:        w.Name,
		Command:     a.venv.Resolve(w.Command, directory),
		Directory:   directory,
		User:        w.User,
		Environment: w.Environment.Supervisor(),
	})
}

func (a *App) removeWorker(ctx context.Context, stage, name string) {
	if err := a.deps.Supervisor.Stop(ctx, name, true); err != nil {
		a.fail(stage, name, err)
		return
	}
	a.publishStopped(name)
}

// RunScripts runs the scripts of group in order. Scripts declaring a worker
// are handed to supervisord instead of being run.
func (a *App) RunScripts(ctx context.Context, group string) error {
	scripts, ok := a.manifest.Scripts[group]
	if !ok {
		a.logger.Debug("no scripts", "group", group)
		return nil
	}

	for i, s := range scripts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Exclude {
			continue
		}
		if w, ok := s.AsWorker(); ok {
			a.startWorker(ctx, "scripts."+group, w)
			continue
		}

		directory := s.Directory
		if directory == "" {
			directory = a.dir
		}
		command := a.venv.Resolve(s.Command, directory)
		a.logger.Info("running script", "group", group, "index", i, "command", command)

		_, err := a.venv.Run(ctx, "cd "+directory+"; "+command)
		if err != nil {
			a.fail("scripts."+group, command, err)
			continue
		}
		a.deps.Events.Publish(events.Event{
			Type:    events.ScriptRan,
			Payload: events.ScriptPayload{Group: group, Command: command},
		})
	}
	return nil
}
