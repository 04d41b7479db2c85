package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// applyFileConfig reads a YAML config file whose keys are flag names and
// applies the values to any flag not already set on the command line, so the
// command line always wins. Unknown keys are an error rather than silently
// ignored.
func applyFileConfig(fs *flag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	setOnCommandLine := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setOnCommandLine[f.Name] = true })

	for name, value := range values {
		if fs.Lookup(name) == nil {
			return fmt.Errorf("unknown option %q in %s", name, path)
		}
		if setOnCommandLine[name] {
			continue
		}
		if err := fs.Set(name, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("setting %q from %s: %w", name, path, err)
		}
	}

	return nil
}
