// Package nginx renders the server blocks propel writes for each site.
//
// Render is pure: it never touches the filesystem and the same Input always
// gives the same bytes, which is what lets a second deploy pass detect that
// nothing changed.
package nginx

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/supreme-majesty/propel/pkg/manifest"
)

const (
	defaultPort            = 80
	defaultMaintenanceRoot = "/var/propel"
	defaultMaintenancePage = "maintenance.html"
	phpFastCGI             = "127.0.0.1:9000"
)

// Input is everything that goes into one site's config file.
type Input struct {
	Site manifest.Site
	// Directory is the deploy directory relative paths resolve against
	Directory string
	// LogsDir is used when the site sets no logs_dir
	LogsDir string
	// ProxyPort is the backend port, 0 when the site has no running backend
	ProxyPort   int
	Maintenance manifest.Maintenance
	// DefaultPort is the listen port when the site sets none (80 if zero)
	DefaultPort int
	// MaintenanceRoot holds the stock maintenance page (/var/propel if empty)
	MaintenanceRoot string
}

// ServerName is the primary server_name of a site. Sites forcing www answer on
// the www. host unless they name a server explicitly.
func ServerName(site manifest.Site) string {
	if site.Nginx.ServerName != "" {
		return site.Nginx.ServerName
	}
	if site.Nginx.Redirect() == manifest.RedirectToWWW && !strings.HasPrefix(site.Name, "www.") {
		return "www." + site.Name
	}
	return site.Name
}

// AllowPattern is the regular expression matched against $remote_addr to let
// an address through maintenance. It matches the listed addresses only.
func AllowPattern(ips []string) string {
	quoted := make([]string, len(ips))
	for i, ip := range ips {
		quoted[i] = regexp.QuoteMeta(strings.TrimSpace(ip))
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}

// Render returns the config file content for in.
func Render(in Input) string {
	site := in.Site
	n := site.Nginx
	name := ServerName(site)
	port := n.Port
	if port == 0 {
		port = in.DefaultPort
	}
	if port == 0 {
		port = defaultPort
	}
	blanket := in.Maintenance.Blanket()

	var sections []string

	// 1. Server identity and logs
	head := fmt.Sprintf("    listen %d;\n    server_name %s;\n    root %s;\n", port, name, setPath(in.Directory, n.RootDir))
	logsDir := in.LogsDir
	if n.LogsDir != "" {
		logsDir = setPath(in.Directory, n.LogsDir)
	}
	if logsDir != "" {
		head += fmt.Sprintf("    access_log %s/access_%s.log;\n    error_log %s/error_%s.log;\n", logsDir, name, logsDir, name)
	}
	sections = append(sections, head)

	// 2. TLS
	switch {
	case strings.TrimSpace(n.SSLDirectives) != "":
		sections = append(sections, verbatim(n.SSLDirectives))
	case n.SSLCert != "" && n.SSLKey != "":
		sections = append(sections, fmt.Sprintf(`    if ($scheme = "http") {
        return 301 https://%s$request_uri;
    }

    listen 443 ssl;
    ssl_certificate %s;
    ssl_certificate_key %s;
    ssl_session_cache shared:SSL:1m;
    ssl_session_timeout 5m;
    ssl_ciphers HIGH:!aNULL:!MD5;
    ssl_prefer_server_ciphers on;
`, name, setPath(in.Directory, n.SSLCert), setPath(in.Directory, n.SSLKey)))
	}

	// 3. Maintenance, ahead of any location serving the site
	if in.Maintenance.Active {
		sections = append(sections, maintenanceSection(in))
	}

	// 4. Backend
	switch {
	case blanket:
		sections = append(sections, "    location / {\n        return 503;\n    }\n")
	case in.ProxyPort > 0:
		sections = append(sections, fmt.Sprintf(`    location / {
        proxy_pass http://127.0.0.1:%d/;
        proxy_redirect off;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Host $server_name;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
`, in.ProxyPort))
	default:
		sections = append(sections, fmt.Sprintf(`    location / {
        index index.html index.htm index.php;
    }

    location ~* \.php$ {
        fastcgi_index index.php;
        fastcgi_pass %s;
        include fastcgi_params;
        fastcgi_param SCRIPT_FILENAME $document_root$fastcgi_script_name;
        fastcgi_param SCRIPT_NAME $fastcgi_script_name;
    }
`, phpFastCGI))
	}

	// 5. Aliases
	if !blanket && len(n.Aliases) > 0 {
		prefixes := make([]string, 0, len(n.Aliases))
		for prefix := range n.Aliases {
			prefixes = append(prefixes, prefix)
		}
		sort.Strings(prefixes)

		var sb strings.Builder
		for i, prefix := range prefixes {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(fmt.Sprintf("    location %s {\n        alias %s;\n    }\n", prefix, setPath(in.Directory, n.Aliases[prefix])))
		}
		sections = append(sections, sb.String())
	}

	// 6. Free-form directives close the block
	if strings.TrimSpace(n.ServerDirectives) != "" {
		sections = append(sections, verbatim(n.ServerDirectives))
	}

	var sb strings.Builder
	sb.WriteString("server {\n")
	sb.WriteString(strings.Join(sections, "\n"))
	sb.WriteString("}\n")

	if redirect := redirectBlock(site, port); redirect != "" {
		sb.WriteString("\n")
		sb.WriteString(redirect)
	}
	return sb.String()
}

func maintenanceSection(in Input) string {
	page := strings.TrimPrefix(in.Maintenance.Page, "/")
	root := ""
	if page == "" {
		page = defaultMaintenancePage
		root = in.MaintenanceRoot
		if root == "" {
			root = defaultMaintenanceRoot
		}
	}

	var sb strings.Builder
	sb.WriteString("    set $maintenance on;\n")
	if in.Maintenance.Bypass() {
		sb.WriteString(fmt.Sprintf("    if ($remote_addr ~ \"%s\") {\n        set $maintenance off;\n    }\n", AllowPattern(in.Maintenance.AllowIPs)))
	}
	sb.WriteString("    if ($maintenance = on) {\n        return 503;\n    }\n\n")
	sb.WriteString("    error_page 503 @maintenance;\n    location @maintenance {\n")
	if root != "" {
		sb.WriteString(fmt.Sprintf("        root %s;\n", root))
	}
	sb.WriteString(fmt.Sprintf("        rewrite ^(.*)$ /%s break;\n    }\n", page))
	return sb.String()
}

// redirectBlock is the second server answering on the other www variant.
func redirectBlock(site manifest.Site, port int) string {
	n := site.Nginx
	var from, to string
	switch n.Redirect() {
	case manifest.RedirectToBare:
		if strings.HasPrefix(site.Name, "www.") {
			return ""
		}
		from, to = "www."+site.Name, site.Name
	case manifest.RedirectToWWW:
		if strings.HasPrefix(site.Name, "www.") {
			return ""
		}
		from, to = site.Name, "www."+site.Name
	default:
		return ""
	}

	listen := fmt.Sprintf("    listen %d;\n", port)
	if n.SSLCert != "" && n.SSLKey != "" {
		listen += "    listen 443 ssl;\n"
	}
	return fmt.Sprintf("server {\n%s    server_name %s;\n    return 301 $scheme://%s$request_uri;\n}\n", listen, from, to)
}

// setPath resolves path against directory unless it is absolute.
func setPath(directory, path string) string {
	switch {
	case strings.HasPrefix(path, "/"):
		return path
	case path == "":
		return directory
	default:
		return strings.TrimSuffix(directory, "/") + "/" + path
	}
}

// verbatim indents text as one block inside the server block. Lines keep
// their indentation relative to each other; only the indentation common to
// all of them is replaced.
func verbatim(text string) string {
	lines := strings.Split(strings.Trim(text, "\n"), "\n")

	common := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if common < 0 || indent < common {
			common = indent
		}
	}

	var sb strings.Builder
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			sb.WriteString("\n")
			continue
		}
		sb.WriteString("    " + line[common:] + "\n")
	}
	return sb.String()
}
