// Package platform supplies the pluggable mapping from an (OS, ABI) pair to
// the subdirectory of the output root that receives that variant's files.
// Product integrations override the default layout with a TOML table instead
// of shipping code.
package platform

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
)

// Func resolves the relative subdirectory for one (OS, ABI) pair. An empty
// result means the output root itself. Implementations must return a
// relative path without parent traversal; the extractor rejects anything
// else.
type Func func(osName, abi string) (string, error)

// Default lays files out as <os>/<abi>, or just <os> when the platform has
// no ABI dimension.
func Default(osName, abi string) (string, error) {
	if abi == "" {
		return osName, nil
	}
	return path.Join(osName, abi), nil
}

type subdirFile struct {
	Subdirectories map[string]string `toml:"subdirectories"`
}

// FromMap builds a Func from an override table. Keys are matched as
// "<os>/<abi>" first, then bare "<os>"; unmatched pairs fall back to
// fallback (nil means Default).
func FromMap(overrides map[string]string, fallback Func) Func {
	if fallback == nil {
		fallback = Default
	}
	if len(overrides) == 0 {
		return fallback
	}
	return func(osName, abi string) (string, error) {
		if abi != "" {
			if sub, ok := overrides[osName+"/"+abi]; ok {
				return sub, nil
			}
		}
		if sub, ok := overrides[osName]; ok {
			return sub, nil
		}
		return fallback(osName, abi)
	}
}

// Load reads a TOML file holding a [subdirectories] table and returns the
// resolver it describes. Pairs absent from the table go to fallback (nil
// means Default).
func Load(path string, fallback Func) (Func, error) {
	var file subdirFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("platform config %s does not exist", path)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return FromMap(file.Subdirectories, fallback), nil
}
