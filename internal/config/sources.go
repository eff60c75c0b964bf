package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceSettings tunes one portal adapter.
type SourceSettings struct {
	Enabled    bool `yaml:"enabled"`
	TimeoutSec int  `yaml:"timeout_sec"` // per-request; 0 = client default
	PageCap    int  `yaml:"page_cap"`    // 0 = adapter default (2)
	PageSize   int  `yaml:"page_size"`   // 0 = adapter default (30)
}

// City maps a canonical slug to its display names and per-portal codes.
type City struct {
	Slug  string            `yaml:"slug"`
	Name  string            `yaml:"name"`
	Names []string          `yaml:"names,omitempty"` // extra spellings
	Codes map[string]string `yaml:"codes"`           // portal name -> local code
}

// Sources is the static portal and city table, normally sources.yaml.
type Sources struct {
	Sources map[string]SourceSettings `yaml:"sources"`
	Cities  []City                    `yaml:"cities"`
}

// LoadSources reads the portal and city table from a YAML file.
func LoadSources(path string) (*Sources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(s.Cities) == 0 {
		return nil, fmt.Errorf("%s lists no cities", path)
	}
	return &s, nil
}

// EnabledSources returns the portal names switched on in the table.
func (s *Sources) EnabledSources() []string {
	var names []string
	for name, st := range s.Sources {
		if st.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// Settings returns the tuning block for a portal; missing entries disable it.
func (s *Sources) Settings(name string) (SourceSettings, bool) {
	st, ok := s.Sources[name]
	return st, ok
}
