package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rollout/pkg/vars"
)

// LoadParamsFile reads user parameter values from a YAML document. Nested
// mappings are flattened into dotted names; keys that already contain dots
// are taken as written:
//
//	release:
//	  version: 1.4.2
//	db.migrate: true
//
// yields "release.version" and "db.migrate".
func LoadParamsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}
	params, err := ParseParams(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return params, nil
}

// ParseParams parses a YAML parameter document.
func ParseParams(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	out := make(map[string]any)
	if err := flatten(out, "", doc); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(out map[string]any, prefix string, m map[string]any) error {
	for k, v := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			if err := flatten(out, name, nested); err != nil {
				return err
			}
			continue
		}
		if err := vars.ValidateName(name); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		if _, dup := out[name]; dup {
			return fmt.Errorf("parameter %q is set twice", name)
		}
		out[name] = v
	}
	return nil
}

// ParseParamFlags parses name=value pairs given on the command line. Values
// are read as YAML scalars, so "3" is an int and "true" a bool; quote them
// to keep a string.
func ParseParamFlags(flags []string) (map[string]any, error) {
	out := make(map[string]any, len(flags))
	for _, flag := range flags {
		name, raw, ok := strings.Cut(flag, "=")
		name = strings.TrimSpace(name)
		if !ok {
			return nil, fmt.Errorf("parameter %q: expected name=value", flag)
		}
		if err := vars.ValidateName(name); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		switch strings.TrimSpace(raw) {
		case "null", "~":
		default:
			if value == nil {
				// empty or comment-only input
				value = raw
			}
		}
		out[name] = value
	}
	return out, nil
}

// MergeParams overlays later maps on earlier ones.
func MergeParams(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// ParamNames returns the keys of params in sorted order.
func ParamNames(params map[string]any) []string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
