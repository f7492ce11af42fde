// Package manifest describes the desired state of a host: the propel.yml file
// found at the root of a deployed project.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest looked up in the deploy directory.
const FileName = "propel.yml"

// Manifest is loaded once per invocation and treated as read-only afterwards.
type Manifest struct {
	Virtualenv  Virtualenv          `yaml:"virtualenv"`
	Web         []Site              `yaml:"web"`
	Workers     []Worker            `yaml:"workers"`
	Scripts     map[string][]Script `yaml:"scripts"`
	Maintenance *Maintenance        `yaml:"maintenance"`
}

// Virtualenv names the Python environment shared by every backend and script.
type Virtualenv struct {
	Name string `yaml:"name"`
	// Directory overrides the WORKON_HOME of the host config
	Directory string `yaml:"directory"`
	// Rebuild destroys and recreates the environment on deploy
	Rebuild bool `yaml:"rebuild"`
}

// Site is one nginx server. With an Application it is backed by a gunicorn
// process, otherwise nginx serves it as static files or through php-fpm.
type Site struct {
	Name        string      `yaml:"name"`
	Application string      `yaml:"application"`
	User        string      `yaml:"user"`
	Environment Environment `yaml:"environment"`
	Gunicorn    Options     `yaml:"gunicorn"`
	Nginx       Nginx       `yaml:"nginx"`
	Remove      bool        `yaml:"remove"`
	Exclude     bool        `yaml:"exclude"`
}

type Nginx struct {
	Port             int               `yaml:"port"`
	ServerName       string            `yaml:"server_name"`
	RootDir          string            `yaml:"root_dir"`
	Aliases          map[string]string `yaml:"aliases"`
	SSLCert          string            `yaml:"ssl_cert"`
	SSLKey           string            `yaml:"ssl_key"`
	SSLDirectives    string            `yaml:"ssl_directives"`
	ServerDirectives string            `yaml:"server_directives"`
	LogsDir          string            `yaml:"logs_dir"`
	ForceWWW         bool              `yaml:"force_www"`
	// ForceNonWWW defaults to true unless ForceWWW is set
	ForceNonWWW *bool `yaml:"force_non_www"`
}

// Redirect is the www canonicalisation of a site.
type Redirect int

const (
	RedirectNone Redirect = iota
	// RedirectToBare sends www.<name> to <name>
	RedirectToBare
	// RedirectToWWW sends <name> to www.<name>
	RedirectToWWW
)

// Redirect resolves the force_www / force_non_www pair.
func (n Nginx) Redirect() Redirect {
	if n.ForceWWW {
		return RedirectToWWW
	}
	if n.ForceNonWWW == nil || *n.ForceNonWWW {
		return RedirectToBare
	}
	return RedirectNone
}

// Worker is a long-running background process without a web presence.
type Worker struct {
	Name        string      `yaml:"name"`
	Command     string      `yaml:"command"`
	Directory   string      `yaml:"directory"`
	User        string      `yaml:"user"`
	Environment Environment `yaml:"environment"`
	Remove      bool        `yaml:"remove"`
	Exclude     bool        `yaml:"exclude"`
}

// Script is a one-shot command. With a Worker it is supervised instead.
type Script struct {
	Command   string  `yaml:"command"`
	Directory string  `yaml:"directory"`
	Exclude   bool    `yaml:"exclude"`
	Worker    *Worker `yaml:"worker"`
}

// AsWorker returns the supervised form of a script declaring a worker.
// Command and directory fall back to the script's own.
func (s Script) AsWorker() (Worker, bool) {
	if s.Worker == nil {
		return Worker{}, false
	}
	w := *s.Worker
	if w.Command == "" {
		w.Command = s.Command
	}
	if w.Directory == "" {
		w.Directory = s.Directory
	}
	return w, true
}

// Maintenance switches sites to a 503 page. With AllowIPs the listed client
// addresses still reach the site.
type Maintenance struct {
	Active   bool     `yaml:"active"`
	Page     string   `yaml:"page"`
	AllowIPs []string `yaml:"allow_ips"`
}

// Blanket is maintenance without any bypass: every request gets the 503.
func (m Maintenance) Blanket() bool {
	return m.Active && len(m.AllowIPs) == 0
}

// Bypass is maintenance with an allowlist.
func (m Maintenance) Bypass() bool {
	return m.Active && len(m.AllowIPs) > 0
}

// Policy returns the manifest's maintenance policy, inactive when absent.
func (m *Manifest) Policy() Maintenance {
	if m.Maintenance == nil {
		return Maintenance{}
	}
	return *m.Maintenance
}

// HasBackend tells whether the site runs an application process.
func (s Site) HasBackend() bool {
	return s.Application != ""
}

// ProcessName is the supervisord program name of the site's backend.
func (s Site) ProcessName() string {
	return "gunicorn_" + strings.ReplaceAll(s.Name, ".", "_")
}

// Load reads dir/propel.yml.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile reads and validates a manifest.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("deploy file '%s' is required: %w: %w", path, errdefs.ErrNotFound, errdefs.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest content.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w: %w", err, errdefs.ErrInvalidArgument)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate reports every configuration problem at once.
func (m *Manifest) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format+": %w", append(args, errdefs.ErrInvalidArgument)...))
	}

	seen := make(map[string]bool)
	for i, site := range m.Web {
		if site.Name == "" {
			invalid("web[%d]: 'name' is missing in sites config", i)
			continue
		}
		if seen[site.Name] {
			invalid("web[%d]: duplicate site %q", i, site.Name)
		}
		seen[site.Name] = true
		if site.HasBackend() && m.Virtualenv.Name == "" {
			invalid("site %q: 'virtualenv' is required for web Python app", site.Name)
		}
		if site.Nginx.ForceWWW && site.Nginx.ForceNonWWW != nil && *site.Nginx.ForceNonWWW {
			invalid("site %q: force_www and force_non_www are mutually exclusive", site.Name)
		}
	}

	for i, w := range m.Workers {
		if err := validateWorker(w); err != nil {
			invalid("workers[%d]: %v", i, err)
		}
	}

	for group, scripts := range m.Scripts {
		for i, s := range scripts {
			if w, ok := s.AsWorker(); ok {
				if err := validateWorker(w); err != nil {
					invalid("scripts.%s[%d]: %v", group, i, err)
				}
				continue
			}
			if s.Command == "" {
				invalid("scripts.%s[%d]: 'command' is missing in scripts", group, i)
			}
		}
	}

	return errors.Join(errs...)
}

func validateWorker(w Worker) error {
	if w.Name == "" {
		return errors.New("'name' is missing in workers")
	}
	if w.Command == "" {
		return fmt.Errorf("worker %q: 'command' is missing", w.Name)
	}
	return nil
}
