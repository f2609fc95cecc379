package discover

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerSpec describes one upstream server in the inventory file.
type ServerSpec struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	Sources string   `yaml:"sources"` // comma-separated source letters, e.g. "S,T"
	Systems []string `yaml:"systems"` // e.g. [dvbs, dvbs2]; empty means any
	Slots   int      `yaml:"slots"`   // concurrent tuners, defaults to 1
}

type inventory struct {
	Servers []ServerSpec `yaml:"servers"`
}

// LoadSpecs reads the server inventory from a YAML file.
func LoadSpecs(path string) ([]ServerSpec, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server inventory: %w", err)
	}

	var inv inventory
	if err := yaml.Unmarshal(source, &inv); err != nil {
		return nil, fmt.Errorf("parse server inventory: %w", err)
	}
	if len(inv.Servers) == 0 {
		return nil, ErrNoServers
	}
	return inv.Servers, nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
