package supervisor

import (
	"fmt"
	"os"
	"strings"

	"github.com/containerd/errdefs"
	"gopkg.in/ini.v1"
)

// Program is the definition of one supervised process.
type Program struct {
	Name        string
	Command     string
	Directory   string
	User        string
	Environment string
	// LogFile receives both stdout and stderr. Filled in by the Client.
	LogFile string
}

// programTemplate is read by supervisord through its [include] section.
// The layout (leading blank line, key order, fixed policies) has to stay as is:
// existing hosts carry files in exactly this format and Start compares bytes.
const programTemplate = `
[program:%s]
command=%s
directory=%s
user=%s
autostart=true
autorestart=true
stopwaitsecs=600
startsecs=10
stdout_logfile=%s
stderr_logfile=%s
environment=%s
`

// Render returns the definition file content for p.
func (p Program) Render() []byte {
	directory := p.Directory
	if directory == "" {
		directory = "/"
	}
	user := p.User
	if user == "" {
		user = "root"
	}
	return []byte(fmt.Sprintf(programTemplate,
		p.Name, p.Command, directory, user, p.LogFile, p.LogFile, p.Environment))
}

// ParseProgram reads a definition file written by Render. The first
// [program:...] section wins; other sections are ignored. Values are taken
// raw, so supervisord's %(...)s expansions and %% escapes are kept as written.
func ParseProgram(data []byte) (*Program, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		// supervisord only treats ; as a comment after whitespace
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse program definition: %w: %w", err, errdefs.ErrInvalidArgument)
	}

	for _, section := range file.Sections() {
		name, ok := strings.CutPrefix(section.Name(), "program:")
		if !ok || name == "" {
			continue
		}
		return &Program{
			Name:        name,
			Command:     section.Key("command").Value(),
			Directory:   section.Key("directory").Value(),
			User:        section.Key("user").Value(),
			Environment: section.Key("environment").Value(),
			LogFile:     section.Key("stdout_logfile").Value(),
		}, nil
	}
	return nil, fmt.Errorf("no [program:...] section: %w", errdefs.ErrInvalidArgument)
}

func readProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("program definition %s: %w", path, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ParseProgram(data)
}
