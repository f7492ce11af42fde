package assets

import (
	"embed"
	"fmt"
)

//go:embed static
var assetsFS embed.FS

// Read returns an embedded host file: maintenance.html or supervisord.init.
func Read(name string) ([]byte, error) {
	data, err := assetsFS.ReadFile("static/" + name)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", name, err)
	}
	return data, nil
}

// MaintenancePage is the stock page served by sites in maintenance.
func MaintenancePage() []byte {
	data, _ := assetsFS.ReadFile("static/maintenance.html")
	return data
}
