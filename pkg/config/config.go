// Package config holds host-level settings: where supervisord and nginx keep
// their files, where virtualenvs live and the backend defaults used for every
// site. The defaults match a stock propel-setup host; a YAML file can override
// any of them.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when --config is not given. A missing file is fine.
const DefaultPath = "/etc/propel/config.yml"

type Config struct {
	// Manifest file name looked up in the deploy directory
	ManifestFile string `yaml:"manifest_file"`

	SupervisorCtl     string `yaml:"supervisorctl"`
	SupervisorConfDir string `yaml:"supervisor_conf_dir"`
	SupervisorLogDir  string `yaml:"supervisor_log_dir"`
	SupervisordConf   string `yaml:"supervisord_conf"`

	// NginxConfFile is a printf pattern taking the site name. Empty means the
	// distro default (conf.d on RHEL, sites-enabled on Debian).
	NginxConfFile    string `yaml:"nginx_conf_file"`
	NginxDefaultPort int    `yaml:"nginx_default_port"`

	VirtualenvDir      string   `yaml:"virtualenv_dir"`
	VirtualenvPackages []string `yaml:"virtualenv_packages"`
	LocalBin           string   `yaml:"local_bin"`

	// Backend port range, Max excluded
	PortMin     int           `yaml:"port_min"`
	PortMax     int           `yaml:"port_max"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	GunicornMaxRequests int    `yaml:"gunicorn_max_requests"`
	GunicornWorkerClass string `yaml:"gunicorn_worker_class"`
	GunicornThreads     int    `yaml:"gunicorn_threads"`

	// MaintenanceRoot holds the stock maintenance.html
	MaintenanceRoot string `yaml:"maintenance_root"`

	// Sudo prefixes service control commands with sudo
	Sudo bool `yaml:"sudo"`
}

// Defaults returns the settings of a stock host.
func Defaults() *Config {
	return &Config{
		ManifestFile:        "propel.yml",
		SupervisorCtl:       "/usr/local/bin/supervisorctl",
		SupervisorConfDir:   "/etc/supervisor",
		SupervisorLogDir:    "/var/log/supervisor",
		SupervisordConf:     "/etc/supervisord.conf",
		NginxDefaultPort:    80,
		VirtualenvDir:       "/root/.virtualenvs",
		VirtualenvPackages:  []string{"gunicorn", "gevent"},
		LocalBin:            "/usr/local/bin",
		PortMin:             8000,
		PortMax:             9000,
		DialTimeout:         time.Second,
		GunicornMaxRequests: 500,
		GunicornWorkerClass: "gevent",
		GunicornThreads:     4,
		MaintenanceRoot:     "/var/propel",
		Sudo:                true,
	}
}

// Load reads path over the defaults. When optional is true a missing file
// yields the defaults.
func Load(path string, optional bool) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && optional {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w: %w", path, err, errdefs.ErrInvalidArgument)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a pass.
func (c *Config) Validate() error {
	if c.PortMin <= 0 || c.PortMax > 65536 || c.PortMin >= c.PortMax {
		return fmt.Errorf("invalid backend port range [%d, %d): %w", c.PortMin, c.PortMax, errdefs.ErrInvalidArgument)
	}
	if c.ManifestFile == "" {
		return fmt.Errorf("manifest_file must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	if c.SupervisorConfDir == "" || c.SupervisorLogDir == "" {
		return fmt.Errorf("supervisor directories must be set: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}
