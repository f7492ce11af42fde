package manifest

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment holds the variables handed to a supervised process. The
// manifest may give them as a mapping or as a ready supervisord string
// (KEY="value",OTHER="x").
type Environment struct {
	Raw  string
	Vars map[string]string
}

func (e *Environment) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.Raw = node.Value
		return nil
	case yaml.MappingNode:
		vars := make(map[string]string)
		if err := node.Decode(&vars); err != nil {
			return err
		}
		e.Vars = vars
		return nil
	}
	return fmt.Errorf("line %d: environment must be a string or a mapping", node.Line)
}

// IsZero reports an empty environment.
func (e Environment) IsZero() bool {
	return e.Raw == "" && len(e.Vars) == 0
}

// Supervisor renders the value of a supervisord environment= line. Keys are
// sorted so identical manifests give identical definition files.
func (e Environment) Supervisor() string {
	if e.Raw != "" {
		return e.Raw
	}

	keys := make([]string, 0, len(e.Vars))
	for k := range e.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// supervisord expands %(...)s in values, so a literal % is doubled
	escaper := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `%`, `%%`)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escaper.Replace(e.Vars[k])))
	}
	return strings.Join(pairs, ",")
}
