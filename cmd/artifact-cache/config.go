package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// yamlLoader resolves flags from a YAML document keyed by flag name. Keys
// may use dashes or underscores, so log-level and log_level both match.
func yamlLoader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		for _, name := range []string{flag.Name, strings.ReplaceAll(flag.Name, "-", "_")} {
			v, ok := values[name]
			if !ok {
				continue
			}
			switch v := v.(type) {
			case nil:
				return nil, nil
			case map[string]any, []any:
				return nil, fmt.Errorf("config key %q: expected a scalar value", name)
			default:
				// Kong's mappers parse strings for every flag type.
				return fmt.Sprint(v), nil
			}
		}
		return nil, nil
	}), nil
}
