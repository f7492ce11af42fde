package linux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/atomicwriter"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/supreme-majesty/propel/pkg/assets"
	"github.com/supreme-majesty/propel/pkg/config"
	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/util"
)

// Distro is the per-family table of paths, packages and daemons.
type Distro struct {
	Name string
	// NginxConfFile is a printf pattern taking the site name
	NginxConfFile   string
	PackageManager  string
	InstallPrograms []string
	// InstallCommands run after the package install, through the package manager
	InstallCommands []string
	ReloadPrograms  []string
	StartPrograms   []string
	UpstartPrograms []string
	// UpstartCmd is a printf pattern enabling a program at boot
	UpstartCmd string
	// InitScript installs the bundled supervisord rc script
	InitScript bool
}

var (
	RHEL = Distro{
		Name:            "RHEL",
		NginxConfFile:   "/etc/nginx/conf.d/%s.conf",
		PackageManager:  "yum",
		InstallPrograms: []string{"nginx", "python-devel", "php-fpm"},
		InstallCommands: []string{`groupinstall "Development Tools"`},
		ReloadPrograms:  []string{"nginx", "php-fpm"},
		StartPrograms:   []string{"nginx", "php-fpm"},
		UpstartPrograms: []string{"nginx", "supervisord", "php-fpm"},
		UpstartCmd:      "chkconfig %s on",
		InitScript:      true,
	}
	Debian = Distro{
		Name:            "DEBIAN",
		NginxConfFile:   "/etc/nginx/sites-enabled/%s.conf",
		PackageManager:  "apt-get",
		InstallPrograms: []string{"nginx", "python-dev", "php5-fpm"},
		ReloadPrograms:  []string{"nginx", "php5-fpm"},
		StartPrograms:   []string{"nginx", "php5-fpm"},
		UpstartPrograms: []string{"nginx", "supervisord", "php5-fpm"},
		UpstartCmd:      "update-rc.d %s defaults",
	}
)

// DistroFor maps a gopsutil platform family to its table.
func DistroFor(family string) (Distro, error) {
	switch strings.ToLower(family) {
	case "rhel", "fedora":
		return RHEL, nil
	case "debian":
		return Debian, nil
	}
	return Distro{}, fmt.Errorf("platform family %q is not compatible with propel: %w", family, errdefs.ErrNotImplemented)
}

// DetectDistro reads the running platform.
func DetectDistro(ctx context.Context) (Distro, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Distro{}, fmt.Errorf("failed to detect platform: %w", err)
	}
	return DistroFor(info.PlatformFamily)
}

const (
	venvMarkerStart = "#PROPEL-VIRTUALENVWRAPPER-START"
	venvMarkerEnd   = "#PROPEL-VIRTUALENVWRAPPER-END"
)

type LinuxAdapter struct {
	distro Distro
	cfg    *config.Config
	runner shell.Runner
	logger *slog.Logger

	initFile string
	bashrc   string
}

func NewLinuxAdapter(distro Distro, cfg *config.Config, runner shell.Runner, logger *slog.Logger) *LinuxAdapter {
	home, _ := os.UserHomeDir()
	return &LinuxAdapter{
		distro:   distro,
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		initFile: "/etc/init.d/supervisord",
		bashrc:   filepath.Join(home, ".bashrc"),
	}
}

func (l *LinuxAdapter) Name() string {
	return l.distro.Name
}

// NginxConfFile is the config path of site. The host config may override the
// distro pattern.
func (l *LinuxAdapter) NginxConfFile(site string) string {
	pattern := l.cfg.NginxConfFile
	if pattern == "" {
		pattern = l.distro.NginxConfFile
	}
	return fmt.Sprintf(pattern, site)
}

func (l *LinuxAdapter) command(name string, args ...string) shell.Command {
	if l.cfg.Sudo {
		return shell.Command{Name: "sudo", Args: append([]string{name}, args...)}
	}
	return shell.Command{Name: name, Args: args}
}

func (l *LinuxAdapter) run(ctx context.Context, cmd shell.Command) error {
	out, err := l.runner.Run(ctx, cmd)
	l.logger.Debug("ran", "command", cmd.String(), "output", strings.TrimSpace(string(out)))
	return err
}

// ReloadServices reloads nginx and php-fpm. Every program is tried even when
// one of them fails.
func (l *LinuxAdapter) ReloadServices(ctx context.Context) error {
	var errs []error
	for _, svc := range l.distro.ReloadPrograms {
		if err := l.run(ctx, l.command("service", svc, "reload")); err != nil {
			errs = append(errs, fmt.Errorf("failed to reload %s: %w", svc, err))
		}
	}
	return errors.Join(errs...)
}

// InstallDependencies installs nginx, php-fpm and the Python headers.
func (l *LinuxAdapter) InstallDependencies(ctx context.Context) error {
	pm := l.distro.PackageManager
	if err := l.run(ctx, l.command(pm, "-y", "update")); err != nil {
		return fmt.Errorf("failed to update package index: %w", err)
	}

	args := append([]string{"-y", "install"}, l.distro.InstallPrograms...)
	install := l.command(pm, args...)
	install.Stream = true
	if err := l.run(ctx, install); err != nil {
		return fmt.Errorf("failed to install %s: %w", strings.Join(l.distro.InstallPrograms, ", "), err)
	}

	for _, extra := range l.distro.InstallCommands {
		sh := shell.Sh(fmt.Sprintf("%s -y %s", pm, extra))
		if l.cfg.Sudo {
			sh = l.command(sh.Name, sh.Args...)
		}
		if err := l.run(ctx, sh); err != nil {
			return fmt.Errorf("failed to run %s %s: %w", pm, extra, err)
		}
	}
	return nil
}

// Setup prepares a fresh host: directories, packages, the supervisord include
// of the program directory, the virtualenvwrapper hook in .bashrc, boot
// registration and the stock maintenance page.
func (l *LinuxAdapter) Setup(ctx context.Context) error {
	// 1. Directories
	for _, dir := range []string{l.cfg.SupervisorConfDir, l.cfg.SupervisorLogDir, l.cfg.MaintenanceRoot, l.cfg.VirtualenvDir} {
		if err := util.EnsureDir(dir); err != nil {
			return err
		}
	}

	// 2. Packages
	if err := l.InstallDependencies(ctx); err != nil {
		return err
	}

	// 3. supervisord.conf
	if err := l.writeSupervisordConf(ctx); err != nil {
		return err
	}
	if l.distro.InitScript {
		script, err := assets.Read("supervisord.init")
		if err != nil {
			return err
		}
		if err := atomicwriter.WriteFile(l.initFile, script, 0o755); err != nil {
			return fmt.Errorf("failed to write %s: %w", l.initFile, err)
		}
	}

	// 4. virtualenvwrapper
	if err := l.ensureVirtualenvWrapper(); err != nil {
		return err
	}

	// 5. Boot registration and first start; failures are reported, not fatal
	var errs []error
	for _, program := range l.distro.UpstartPrograms {
		fields := strings.Fields(fmt.Sprintf(l.distro.UpstartCmd, program))
		if err := l.run(ctx, l.command(fields[0], fields[1:]...)); err != nil {
			errs = append(errs, fmt.Errorf("failed to enable %s at boot: %w", program, err))
		}
	}
	if err := l.run(ctx, l.command("supervisord", "-c", l.cfg.SupervisordConf)); err != nil {
		errs = append(errs, fmt.Errorf("failed to start supervisord: %w", err))
	}
	for _, svc := range l.distro.StartPrograms {
		if err := l.run(ctx, l.command("service", svc, "start")); err != nil {
			errs = append(errs, fmt.Errorf("failed to start %s: %w", svc, err))
		}
	}

	// 6. Maintenance page
	page := filepath.Join(l.cfg.MaintenanceRoot, "maintenance.html")
	if err := atomicwriter.WriteFile(page, assets.MaintenancePage(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", page, err)
	}

	return errors.Join(errs...)
}

func (l *LinuxAdapter) writeSupervisordConf(ctx context.Context) error {
	sample, err := l.runner.Run(ctx, shell.Command{Name: "echo_supervisord_conf"})
	if err != nil {
		return fmt.Errorf("failed to generate supervisord.conf: %w", err)
	}

	var sb strings.Builder
	sb.Write(sample)
	if len(sample) > 0 && !strings.HasSuffix(string(sample), "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("\n[include]\n")
	sb.WriteString("files = " + filepath.Join(l.cfg.SupervisorConfDir, "*.conf") + "\n")

	if err := atomicwriter.WriteFile(l.cfg.SupervisordConf, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", l.cfg.SupervisordConf, err)
	}
	return nil
}

// ensureVirtualenvWrapper appends the workon setup to .bashrc once.
func (l *LinuxAdapter) ensureVirtualenvWrapper() error {
	data, err := os.ReadFile(l.bashrc)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", l.bashrc, err)
	}
	content := string(data)
	if strings.Contains(content, venvMarkerStart) {
		return nil
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += fmt.Sprintf("\n%s\nexport VIRTUALENVWRAPPER_PYTHON=/usr/bin/python3\nexport WORKON_HOME=%s\nsource %s\n%s\n",
		venvMarkerStart, l.cfg.VirtualenvDir, filepath.Join(l.cfg.LocalBin, "virtualenvwrapper.sh"), venvMarkerEnd)

	if err := atomicwriter.WriteFile(l.bashrc, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to update %s: %w", l.bashrc, err)
	}
	return nil
}
