// Package configuration loads json5 config files with optional local
// overrides. A sibling <name>.local.<ext> file is merged on top of
// <name>.<ext>, which keeps solver keys and proxy credentials out of the
// committed file.
package configuration

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// localVariant turns "dir/motortrade.json5" into "dir/motortrade.local.json5".
func localVariant(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// readInto parses one file into out, reporting whether it existed. Empty
// files count as absent.
func readInto[T any](path string, out *T) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json5.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}

// ReadConfig loads <name> and merges <name>.local.<ext> over it. Returns
// os.ErrNotExist when neither file is present.
func ReadConfig[T any](name string) (T, error) {
	var config T
	found, err := readInto(name, &config)
	if err != nil {
		return config, err
	}

	local := localVariant(name)
	var override T
	foundLocal, err := readInto(local, &override)
	if err != nil {
		return config, err
	}
	if foundLocal {
		if err := mergo.Merge(&config, override, mergo.WithOverride); err != nil {
			return config, err
		}
		slog.Info("merging config with local overrides", "local", local)
	}

	if !found && !foundLocal {
		return config, os.ErrNotExist
	}
	return config, nil
}

// ReadRecursively walks from the working directory up to the filesystem root
// looking for a directory that holds <name>, then loads it with ReadConfig.
func ReadRecursively[T any](name string) (T, error) {
	var zero T

	dir, err := os.Getwd()
	if err != nil {
		return zero, err
	}

	for {
		config, err := ReadConfig[T](filepath.Join(dir, name))
		if err == nil {
			return config, nil
		}
		if !os.IsNotExist(err) {
			return zero, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return zero, os.ErrNotExist
		}
		dir = parent
	}
}
