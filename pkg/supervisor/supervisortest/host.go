// Package supervisortest provides a fake host for tests: a supervisorctl that
// keeps a process table the way supervisord does, and a recorder for every
// other command propel runs.
package supervisortest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/supreme-majesty/propel/pkg/shell"
	"github.com/supreme-majesty/propel/pkg/supervisor"
)

type program struct {
	content []byte
	running bool
	// word overrides the status word of a running program
	word string
}

// Host implements shell.Runner.
//
// update only applies what the preceding reread saw, so a caller that skips
// or reorders the two steps does not get its changes applied.
type Host struct {
	mu sync.Mutex

	confDir  string
	programs map[string]*program
	pending  map[string][]byte
	reread   bool

	// Calls holds every command line in order.
	Calls []string
	// Timeline holds "launch <name>" and "halt <name>" events.
	Timeline []string
	// Fail makes the given command lines fail.
	Fail map[string]bool
	// Outputs gives canned output for non-supervisorctl command lines.
	Outputs map[string]string
}

func NewHost(confDir string) *Host {
	return &Host{
		confDir:  confDir,
		programs: make(map[string]*program),
		Fail:     make(map[string]bool),
		Outputs:  make(map[string]string),
	}
}

func (h *Host) Run(_ context.Context, cmd shell.Command) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	line := cmd.String()
	h.Calls = append(h.Calls, line)

	if h.Fail[line] {
		return []byte("injected failure"), &shell.ExitError{Command: line, Output: "injected failure", Err: errors.New("exit status 1")}
	}

	if filepath.Base(cmd.Name) == "supervisorctl" {
		out, ok := h.ctl(cmd.Args)
		if !ok {
			return []byte(out), &shell.ExitError{Command: line, Output: out, Err: errors.New("exit status 1")}
		}
		return []byte(out), nil
	}
	return []byte(h.Outputs[line]), nil
}

func (h *Host) ctl(args []string) (string, bool) {
	if len(args) == 0 {
		return "no action", false
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	p, loaded := h.programs[name]

	switch args[0] {
	case "status":
		if !loaded {
			return name + ": ERROR (no such process)", false
		}
		if p.running && p.word != "" {
			return fmt.Sprintf("%s                 %s   ", name, p.word), false
		}
		if p.running {
			return fmt.Sprintf("%s                 RUNNING   pid 4242, uptime 0:00:10", name), true
		}
		return fmt.Sprintf("%s                 STOPPED   Not started", name), false

	case "reread":
		h.pending = h.scan()
		h.reread = true
		return "", true

	case "update":
		if h.reread {
			h.apply()
		}
		h.reread = false
		return "", true

	case "start":
		if !loaded {
			return name + ": ERROR (no such process)", false
		}
		if p.running {
			return name + ": ERROR (already started)", false
		}
		h.launch(name, p)
		return name + ": started", true

	case "stop":
		if !loaded {
			return name + ": ERROR (no such process)", false
		}
		if !p.running {
			return name + ": ERROR (not running)", false
		}
		h.halt(name, p)
		return name + ": stopped", true

	case "remove":
		if !loaded {
			return "ERROR: no such process/group: " + name, false
		}
		if p.running {
			return "ERROR: process/group still running: " + name, false
		}
		delete(h.programs, name)
		return name + ": removed process group", true
	}
	return "unknown action " + args[0], false
}

func (h *Host) scan() map[string][]byte {
	found := make(map[string][]byte)
	entries, _ := os.ReadDir(h.confDir)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.confDir, e.Name()))
		if err != nil {
			continue
		}
		p, err := supervisor.ParseProgram(data)
		if err != nil {
			continue
		}
		found[p.Name] = data
	}
	return found
}

func (h *Host) apply() {
	for name, p := range h.programs {
		if _, ok := h.pending[name]; !ok {
			if p.running {
				h.halt(name, p)
			}
			delete(h.programs, name)
		}
	}

	names := make([]string, 0, len(h.pending))
	for name := range h.pending {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := h.pending[name]
		p, ok := h.programs[name]
		switch {
		case !ok:
			p = &program{content: content}
			h.programs[name] = p
			h.launch(name, p)
		case string(p.content) != string(content):
			if p.running {
				h.halt(name, p)
			}
			p.content = content
			h.launch(name, p)
		}
	}
}

func (h *Host) launch(name string, p *program) {
	p.running = true
	h.Timeline = append(h.Timeline, "launch "+name)
}

func (h *Host) halt(name string, p *program) {
	p.running = false
	p.word = ""
	h.Timeline = append(h.Timeline, "halt "+name)
}

// Seed loads a program into the process table as if a previous run had
// started it. content should match the definition file on disk.
func (h *Host) Seed(name string, content []byte, running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.programs[name] = &program{content: content, running: running}
}

// Report makes a running name answer status with word, STARTING or BACKOFF
// for instance, until it is halted.
func (h *Host) Report(name string, word supervisor.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.programs[name]; ok && p.running {
		p.word = string(word)
	}
}

// State reports the fake supervisord's view of name.
func (h *Host) State(name string) supervisor.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.programs[name]
	switch {
	case !ok:
		return supervisor.StateAbsent
	case p.running:
		return supervisor.StateRunning
	default:
		return supervisor.StateStopped
	}
}

// Launches counts how many times name was (re)started.
func (h *Host) Launches(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.Timeline {
		if ev == "launch "+name {
			n++
		}
	}
	return n
}

// CallsWith returns the recorded command lines containing substr.
func (h *Host) CallsWith(substr string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.Calls {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls and timeline, keeping the process table.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Calls = nil
	h.Timeline = nil
}
