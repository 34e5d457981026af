package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaults holds the format command's fallback sizing, overridable by
// flags. Most invocations don't need a config file at all; it exists so
// a project can pin a house default (e.g. a CI fixture always wants a
// 16 MiB / 4096-inode image) without repeating flags everywhere.
type defaults struct {
	NrBlocks uint32 `yaml:"nr_blocks"`
	NrInodes uint32 `yaml:"nr_inodes"`
}

func defaultDefaults() defaults {
	return defaults{NrBlocks: 4096, NrInodes: 1024}
}

// loadDefaults reads path if it exists and overlays it onto the
// built-in defaults; a missing file is not an error.
func loadDefaults(path string) (defaults, error) {
	d := defaultDefaults()
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return defaults{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return defaults{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return d, nil
}
