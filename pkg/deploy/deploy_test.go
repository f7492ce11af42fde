package deploy_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supreme-majesty/propel/pkg/config"
	"github.com/supreme-majesty/propel/pkg/deploy"
	"github.com/supreme-majesty/propel/pkg/events"
	"github.com/supreme-majesty/propel/pkg/logging"
	"github.com/supreme-majesty/propel/pkg/manifest"
	"github.com/supreme-majesty/propel/pkg/portalloc"
	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/supervisor"
	"github.com/supreme-majesty/propel/pkg/supervisor/supervisortest"
	"github.com/supreme-majesty/propel/pkg/util"
)

type fakeSystem struct {
	nginxDir  string
	reloads   int
	reloadErr error
}

func (f *fakeSystem) Name() string { return "TEST" }

func (f *fakeSystem) NginxConfFile(site string) string {
	return filepath.Join(f.nginxDir, site+".conf")
}

func (f *fakeSystem) ReloadServices(context.Context) error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeSystem) InstallDependencies(context.Context) error { return nil }
func (f *fakeSystem) Setup(context.Context) error               { return nil }

// busyPorts marks ports something listens on.
type busyPorts map[int]bool

func (b busyPorts) InUse(_ context.Context, port int) bool { return b[port] }

type harness struct {
	cfg    *config.Config
	host   *supervisortest.Host
	sup    *supervisor.Client
	system *fakeSystem
	ports  *portalloc.Allocator
	busy   busyPorts
	bus    *events.Bus
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	cfg := config.Defaults()
	cfg.SupervisorConfDir = filepath.Join(root, "supervisor")
	cfg.SupervisorLogDir = filepath.Join(root, "log")

	host := supervisortest.NewHost(cfg.SupervisorConfDir)
	busy := busyPorts{}
	ports, err := portalloc.NewWithChecker(cfg.PortMin, cfg.PortMax, busy, rand.New(rand.NewPCG(7, 11)))
	require.NoError(t, err)

	dir := filepath.Join(root, "shop")
	require.NoError(t, util.EnsureDir(dir))

	return &harness{
		cfg:    cfg,
		host:   host,
		sup:    supervisor.NewClient(cfg, host, logging.Discard()),
		system: &fakeSystem{nginxDir: filepath.Join(root, "nginx")},
		ports:  ports,
		busy:   busy,
		bus:    events.NewBus(),
		dir:    dir,
	}
}

func (h *harness) app(t *testing.T, yml string) *deploy.App {
	t.Helper()
	m, err := manifest.Parse([]byte(yml))
	require.NoError(t, err)
	return deploy.New(deploy.Deps{
		Config:     h.cfg,
		Logger:     logging.Discard(),
		Runner:     h.host,
		System:     h.system,
		Supervisor: h.sup,
		Ports:      h.ports,
		Events:     h.bus,
		CPUs:       2,
	}, m, h.dir)
}

func (h *harness) conf(t *testing.T, site string) string {
	t.Helper()
	data, err := os.ReadFile(h.system.NginxConfFile(site))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) definition(t *testing.T, name string) *supervisor.Program {
	t.Helper()
	p, err := h.sup.Definition(name)
	require.NoError(t, err)
	return p
}

const apiManifest = `
virtualenv:
  name: shop
web:
  - name: api.example.com
    application: app:wsgi
`

var bindPort = regexp.MustCompile(`-b 0\.0\.0\.0:(\d+) `)

func TestDeployWeb_BackendSite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	app := h.app(t, apiManifest)

	require.NoError(t, app.DeployWeb(ctx, deploy.WebOptions{}))
	require.True(t, app.Report().OK(), app.Report().Err())

	assert.Equal(t, supervisor.StateRunning, h.host.State("gunicorn_api_example_com"))

	def := h.definition(t, "gunicorn_api_example_com")
	m := bindPort.FindStringSubmatch(def.Command)
	require.NotNil(t, m, def.Command)
	port, _ := strconv.Atoi(m[1])
	assert.GreaterOrEqual(t, port, 8000)
	assert.Less(t, port, 9000)

	assert.Equal(t, fmt.Sprintf(
		"/root/.virtualenvs/shop/bin/gunicorn -b 0.0.0.0:%d app:wsgi --workers 5 --threads 4 --max-requests 500 --worker-class gevent", port),
		def.Command)
	assert.Equal(t, h.dir, def.Directory)
	assert.Equal(t, "root", def.User)

	conf := h.conf(t, "api.example.com")
	assert.Contains(t, conf, fmt.Sprintf("proxy_pass http://127.0.0.1:%d/;", port))
	assert.Contains(t, conf, "server_name api.example.com;")

	assert.Equal(t, 1, h.system.reloads)
	assert.Equal(t, []deploy.DeployedSite{{
		Name:     "api.example.com",
		ConfFile: h.system.NginxConfFile("api.example.com"),
		Port:     port,
		Process:  "gunicorn_api_example_com",
	}}, app.Summary())
}

func TestDeployWeb_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	yml := apiManifest + `
  - name: static.example.com
    nginx:
      root_dir: public
`

	require.NoError(t, h.app(t, yml).DeployWeb(ctx, deploy.WebOptions{}))
	firstAPI := h.conf(t, "api.example.com")
	firstStatic := h.conf(t, "static.example.com")
	firstDef := h.definition(t, "gunicorn_api_example_com")

	h.host.Reset()
	app := h.app(t, yml)
	require.NoError(t, app.DeployWeb(ctx, deploy.WebOptions{}))
	require.True(t, app.Report().OK(), app.Report().Err())

	assert.Equal(t, firstAPI, h.conf(t, "api.example.com"))
	assert.Equal(t, firstStatic, h.conf(t, "static.example.com"))
	assert.Equal(t, firstDef, h.definition(t, "gunicorn_api_example_com"))
	assert.Empty(t, h.host.Timeline, "second pass must not restart anything")
	assert.Equal(t, supervisor.StateRunning, h.host.State("gunicorn_api_example_com"))
}

func TestDeployWeb_KeepsPortOfLiveProgram(t *testing.T) {
	const name = "gunicorn_api_example_com"

	for _, state := range []supervisor.State{supervisor.StateStarting, supervisor.StateBackoff} {
		t.Run(string(state), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)

			require.NoError(t, h.app(t, apiManifest).DeployWeb(ctx, deploy.WebOptions{}))
			first := h.definition(t, name)
			port, _ := strconv.Atoi(bindPort.FindStringSubmatch(first.Command)[1])

			// the program itself holds the port while supervisord brings it up
			h.busy[port] = true
			h.host.Report(name, state)
			h.host.Reset()

			app := h.app(t, apiManifest)
			require.NoError(t, app.DeployWeb(ctx, deploy.WebOptions{}))
			require.True(t, app.Report().OK(), app.Report().Err())

			assert.Equal(t, first, h.definition(t, name))
			assert.Empty(t, h.host.Timeline)
			assert.Empty(t, h.host.CallsWith("supervisorctl stop"))
			assert.Equal(t, port, app.Summary()[0].Port)
		})
	}
}

func TestDeployWeb_StoppedProgramOnBusyPortMoves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const name = "gunicorn_api_example_com"

	require.NoError(t, h.app(t, apiManifest).DeployWeb(ctx, deploy.WebOptions{}))
	port, _ := strconv.Atoi(bindPort.FindStringSubmatch(h.definition(t, name).Command)[1])

	_, err := h.host.Run(ctx, shellStop(h.cfg, name))
	require.NoError(t, err)
	h.busy[port] = true

	app := h.app(t, apiManifest)
	require.NoError(t, app.DeployWeb(ctx, deploy.WebOptions{}))

	assert.NotEqual(t, port, app.Summary()[0].Port)
	assert.Equal(t, supervisor.StateRunning, h.host.State(name))
}

func TestDeployWeb_ChangedOptionsRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const name = "gunicorn_api_example_com"

	require.NoError(t, h.app(t, apiManifest).DeployWeb(ctx, deploy.WebOptions{}))

	app := h.app(t, apiManifest+`
    gunicorn:
      worker-class: sync
`)
	require.NoError(t, app.DeployWeb(ctx, deploy.WebOptions{}))
	require.True(t, app.Report().OK(), app.Report().Err())

	assert.Equal(t, []string{"launch " + name, "halt " + name, "launch " + name}, h.host.Timeline)
	assert.Contains(t, h.definition(t, name).Command, "--worker-class sync")
	assert.NotContains(t, h.definition(t, name).Command, "gevent")
	assert.Equal(t, supervisor.StateRunning, h.host.State(name))
}

func TestDeployWeb_RemoveFromAnyState(t *testing.T) {
	const name = "gunicorn_api_example_com"

	for _, prior := range []supervisor.State{supervisor.StateRunning, supervisor.StateStopped, supervisor.StateAbsent} {
		t.Run(string(prior), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)

			confFile := h.system.NginxConfFile("api.example.com")
			require.NoError(t, util.EnsureDir(filepath.Dir(confFile)))
			require.NoError(t, os.WriteFile(confFile, []byte("server {}\n"), 0o644))

			if prior != supervisor.StateAbsent {
				content := supervisor.Program{Name: name, Command: "gunicorn app:wsgi"}.Render()
				require.NoError(t, util.EnsureDir(h.cfg.SupervisorConfDir))
				require.NoError(t, os.WriteFile(h.sup.ConfFile(name), content, 0o644))
				h.host.Seed(name, content, prior == supervisor.StateRunning)
			}

			app := h.app(t, apiManifest+"    remove: true\n")
			require.NoError(t, app.DeployWeb(ctx, deploy.WebOptions{}))
			require.True(t, app.Report().OK(), app.Report().Err())

			assert.False(t, util.Exists(confFile))
			assert.False(t, util.Exists(h.sup.ConfFile(name)))
			assert.Equal(t, supervisor.StateAbsent, h.host.State(name))
			assert.Empty(t, app.Summary())
		})
	}
}

func TestDeployWeb_Exclude(t *testing.T) {
	h := newHarness(t)
	app := h.app(t, apiManifest+"    exclude: true\n")

	require.NoError(t, app.DeployWeb(context.Background(), deploy.WebOptions{}))
	assert.False(t, util.Exists(h.system.NginxConfFile("api.example.com")))
	assert.Empty(t, h.host.CallsWith("gunicorn_api_example_com"))
}

func TestDeployWeb_BlanketMaintenance(t *testing.T) {
	h := newHarness(t)
	app := h.app(t, apiManifest+`
maintenance:
  active: true
`)

	require.NoError(t, app.DeployWeb(context.Background(), deploy.WebOptions{}))

	conf := h.conf(t, "api.example.com")
	assert.Contains(t, conf, "return 503;")
	assert.NotContains(t, conf, "proxy_pass")
	assert.Equal(t, supervisor.StateAbsent, h.host.State("gunicorn_api_example_com"))
}

func TestDeployWeb_AllowlistKeepsBackend(t *testing.T) {
	h := newHarness(t)
	app := h.app(t, apiManifest+`
maintenance:
  active: true
  allow_ips: [10.0.0.1]
`)

	require.NoError(t, app.DeployWeb(context.Background(), deploy.WebOptions{}))

	conf := h.conf(t, "api.example.com")
	assert.Contains(t, conf, `if ($remote_addr ~ "^(10\.0\.0\.1)$")`)
	assert.Contains(t, conf, "proxy_pass http://127.0.0.1:")
	assert.Equal(t, supervisor.StateRunning, h.host.State("gunicorn_api_example_com"))
}

func TestMaintenanceOnOff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const name = "gunicorn_api_example_com"

	require.NoError(t, h.app(t, apiManifest).DeployWeb(ctx, deploy.WebOptions{}))
	assert.NotContains(t, h.conf(t, "api.example.com"), "$maintenance")

	app := h.app(t, apiManifest)
	require.NoError(t, app.MaintenanceOn(ctx))
	conf := h.conf(t, "api.example.com")
	assert.Contains(t, conf, "return 503;")
	assert.Contains(t, conf, "rewrite ^(.*)$ /maintenance.html break;")
	assert.NotContains(t, conf, "proxy_pass")
	assert.Equal(t, supervisor.StateAbsent, h.host.State(name))
	assert.Equal(t, 2, h.system.reloads)

	require.NoError(t, app.MaintenanceOff(ctx))
	assert.Equal(t, supervisor.StateRunning, h.host.State(name))
	conf = h.conf(t, "api.example.com")
	assert.Contains(t, conf, "proxy_pass http://127.0.0.1:")
	assert.NotContains(t, conf, "$maintenance")
}

func TestDeployWeb_ContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	h.system.reloadErr = errors.New("nginx: configuration test failed")
	h.host.Fail["/usr/local/bin/supervisorctl start gunicorn_a_com"] = true

	var failed []events.FailurePayload
	h.bus.Subscribe(events.CommandFailed, func(e events.Event) {
		failed = append(failed, e.Payload.(events.FailurePayload))
	})

	app := h.app(t, `
virtualenv:
  name: shop
web:
  - name: a.com
    application: app:wsgi
  - name: b.com
`)
	require.NoError(t, app.DeployWeb(context.Background(), deploy.WebOptions{}))

	assert.True(t, util.Exists(h.system.NginxConfFile("a.com")))
	assert.True(t, util.Exists(h.system.NginxConfFile("b.com")))

	report := app.Report()
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "web", report.Failures[0].Stage)
	assert.Equal(t, "gunicorn_a_com", report.Failures[0].Subject)
	assert.True(t, errdefs.IsUnavailable(report.Failures[0]))
	assert.Equal(t, "reload", report.Failures[1].Stage)
	assert.Error(t, report.Err())
	assert.Len(t, failed, 2)
}

func TestDeployWeb_Cancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.app(t, apiManifest).DeployWeb(ctx, deploy.WebOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, util.Exists(h.system.NginxConfFile("api.example.com")))
}

func TestRunWorkers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	app := h.app(t, `
virtualenv:
  name: shop
workers:
  - name: mailer
    command: $PYTHON_ENV -m mailer
    environment:
      ENV: prod
  - name: skipped
    command: sleep 10
    exclude: true
`)

	require.NoError(t, app.RunWorkers(ctx, false))
	require.True(t, app.Report().OK(), app.Report().Err())

	def := h.definition(t, "mailer")
	assert.Equal(t, "/root/.virtualenvs/shop/bin/python -m mailer", def.Command)
	assert.NotContains(t, def.Command, "$PYTHON_ENV")
	assert.Equal(t, `ENV="prod"`, def.Environment)
	assert.Equal(t, supervisor.StateRunning, h.host.State("mailer"))
	assert.Equal(t, supervisor.StateAbsent, h.host.State("skipped"))

	require.NoError(t, app.RunWorkers(ctx, true))
	assert.Equal(t, supervisor.StateAbsent, h.host.State("mailer"))
	assert.False(t, util.Exists(h.sup.ConfFile("mailer")))
}

func TestRunScripts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	app := h.app(t, `
virtualenv:
  name: shop
scripts:
  pre_web:
    - command: $PYTHON_ENV manage.py migrate
    - command: echo never
      exclude: true
    - command: $PYTHON_ENV manage.py rqworker
      worker:
        name: rq
`)

	var ran []events.ScriptPayload
	h.bus.Subscribe(events.ScriptRan, func(e events.Event) { ran = append(ran, e.Payload.(events.ScriptPayload)) })

	require.NoError(t, app.RunScripts(ctx, "pre_web"))
	require.NoError(t, app.RunScripts(ctx, "missing"))
	require.True(t, app.Report().OK(), app.Report().Err())

	want := fmt.Sprintf("/bin/bash -i -c workon shop; cd %s; /root/.virtualenvs/shop/bin/python manage.py migrate; deactivate", h.dir)
	assert.Equal(t, []string{want}, h.host.CallsWith("/bin/bash"))
	assert.Empty(t, h.host.CallsWith("echo never"))
	require.Len(t, ran, 1)
	assert.Equal(t, "pre_web", ran[0].Group)

	def := h.definition(t, "rq")
	assert.Equal(t, "/root/.virtualenvs/shop/bin/python manage.py rqworker", def.Command)
	assert.Equal(t, h.dir, def.Directory)
	assert.Equal(t, supervisor.StateRunning, h.host.State("rq"))
}

func TestDeployAndUndeploy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	yml := apiManifest + `
workers:
  - name: mailer
    command: $PYTHON_ENV -m mailer
scripts:
  post_web:
    - command: echo deployed
  undeploy:
    - command: echo bye
`

	app := h.app(t, yml)
	require.NoError(t, app.Deploy(ctx, deploy.Request{Websites: true, Workers: true, WithMaintenance: true}))
	require.True(t, app.Report().OK(), app.Report().Err())

	assert.Len(t, h.host.CallsWith("mkvirtualenv shop"), 1)
	assert.Len(t, h.host.CallsWith("echo deployed"), 1)
	assert.Equal(t, supervisor.StateRunning, h.host.State("gunicorn_api_example_com"))
	assert.Equal(t, supervisor.StateRunning, h.host.State("mailer"))
	assert.Contains(t, h.conf(t, "api.example.com"), "proxy_pass")

	app = h.app(t, yml)
	require.NoError(t, app.Undeploy(ctx))
	require.True(t, app.Report().OK(), app.Report().Err())

	assert.False(t, util.Exists(h.system.NginxConfFile("api.example.com")))
	assert.Equal(t, supervisor.StateAbsent, h.host.State("gunicorn_api_example_com"))
	assert.Equal(t, supervisor.StateAbsent, h.host.State("mailer"))
	assert.Len(t, h.host.CallsWith("echo bye"), 1)
	assert.Len(t, h.host.CallsWith("rmvirtualenv shop"), 1)
}

func shellStop(cfg *config.Config, name string) shell.Command {
	return shell.Command{Name: cfg.SupervisorCtl, Args: []string{"stop", name}}
}

func TestRequestEmpty(t *testing.T) {
	assert.True(t, deploy.Request{WithMaintenance: true}.Empty())
	assert.False(t, deploy.Request{Scripts: []string{"seed"}}.Empty())
}
