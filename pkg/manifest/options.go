package manifest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Option is one backend command-line option.
type Option struct {
	Key   string
	Value string
	// Flag renders --key without a value (yaml true)
	Flag bool
	// Disabled drops the option, defaults included (yaml false)
	Disabled bool
}

// Options keeps the order options were written in.
type Options []Option

func (o *Options) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: gunicorn options must be a mapping", node.Line)
	}

	opts := make(Options, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: option %q must be a scalar", val.Line, key.Value)
		}

		opt := Option{Key: strings.TrimLeft(key.Value, "-")}
		switch {
		case val.ShortTag() == "!!bool":
			var b bool
			if err := val.Decode(&b); err != nil {
				return err
			}
			opt.Flag = b
			opt.Disabled = !b
		case val.ShortTag() == "!!null":
			opt.Disabled = true
		default:
			opt.Value = val.Value
		}
		opts = append(opts, opt)
	}
	*o = opts
	return nil
}

// Get returns the effective value of key.
func (o Options) Get(key string) (Option, bool) {
	for _, opt := range o {
		if opt.Key == key {
			return opt, true
		}
	}
	return Option{}, false
}

// Merge lays overrides over o. An override replaces the option with the same
// key in place; new keys are appended in override order. Disabled options are
// dropped from the result.
func (o Options) Merge(overrides Options) Options {
	merged := make(Options, len(o))
	copy(merged, o)

	index := make(map[string]int, len(merged))
	for i, opt := range merged {
		index[opt.Key] = i
	}
	for _, opt := range overrides {
		if i, ok := index[opt.Key]; ok {
			merged[i] = opt
			continue
		}
		index[opt.Key] = len(merged)
		merged = append(merged, opt)
	}

	out := merged[:0]
	for _, opt := range merged {
		if !opt.Disabled {
			out = append(out, opt)
		}
	}
	return out
}

// String serialises the options as command-line flags.
func (o Options) String() string {
	parts := make([]string, 0, len(o))
	for _, opt := range o {
		switch {
		case opt.Disabled:
			continue
		case opt.Flag:
			parts = append(parts, "--"+opt.Key)
		default:
			parts = append(parts, fmt.Sprintf("--%s %s", opt.Key, opt.Value))
		}
	}
	return strings.Join(parts, " ")
}
