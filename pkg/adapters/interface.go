package adapters

import "context"

// SystemAdapter defines the distro-specific side of a deploy: where nginx
// looks for site configs, which daemons serve them and how a fresh host gets
// its packages.
type SystemAdapter interface {
	// Name is the distro family, RHEL or DEBIAN
	Name() string

	// Configuration
	NginxConfFile(site string) string

	// Runtime
	ReloadServices(ctx context.Context) error

	// Installation & Setup
	InstallDependencies(ctx context.Context) error
	Setup(ctx context.Context) error
}
