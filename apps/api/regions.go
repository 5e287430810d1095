package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RegionGroup is one toggle of the dashboard: a named set of state codes.
type RegionGroup struct {
	ID         string   `yaml:"id" json:"id" validate:"required,alphanum"`
	Label      string   `yaml:"label" json:"label" validate:"required"`
	StateCodes []string `yaml:"state_codes" json:"state_codes" validate:"required,min=1,dive,required,numeric"`
	Outline    bool     `yaml:"outline" json:"outline"`
	Enabled    bool     `yaml:"enabled" json:"enabled"`
}

type regionsFile struct {
	Groups []RegionGroup `yaml:"groups" validate:"required,min=1,dive"`
}

// defaultRegionGroups mirrors the Estado de México / Ciudad de México toggles.
func defaultRegionGroups() []RegionGroup {
	return []RegionGroup{
		{ID: "EDO", Label: "EDO", StateCodes: []string{"15"}, Enabled: true},
		{ID: "CDMX", Label: "CDMX", StateCodes: []string{"09"}, Outline: true, Enabled: true},
	}
}

func loadRegionGroups(path string) ([]RegionGroup, error) {
	if strings.TrimSpace(path) == "" {
		return defaultRegionGroups(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regions file: %w", err)
	}
	return parseRegionGroups(data)
}

func parseRegionGroups(data []byte) ([]RegionGroup, error) {
	var file regionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse regions file: %w", err)
	}

	v := validator.New()
	if err := v.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid regions file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Groups))
	for i := range file.Groups {
		g := &file.Groups[i]
		key := strings.ToUpper(g.ID)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("invalid regions file: duplicate group id %q", g.ID)
		}
		seen[key] = struct{}{}
		for j, code := range g.StateCodes {
			g.StateCodes[j] = normalizeStateCode(code)
		}
	}
	return file.Groups, nil
}

// findRegionGroup looks a group up by id, case-insensitively.
func findRegionGroup(groups []RegionGroup, id string) (RegionGroup, bool) {
	for _, g := range groups {
		if strings.EqualFold(g.ID, id) {
			return g, true
		}
	}
	return RegionGroup{}, false
}

// defaultEnabledGroups is the toggle state the page opens with.
func defaultEnabledGroups(groups []RegionGroup) map[string]bool {
	out := make(map[string]bool, len(groups))
	for _, g := range groups {
		out[g.ID] = g.Enabled
	}
	return out
}

// selectStateCodes resolves toggle state into state codes. With every toggle off
// the first group is shown.
func selectStateCodes(groups []RegionGroup, enabled map[string]bool) []string {
	var codes []string
	seen := map[string]struct{}{}
	for _, g := range groups {
		if !enabled[g.ID] {
			continue
		}
		for _, code := range g.StateCodes {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}
	if len(codes) == 0 && len(groups) > 0 {
		codes = append(codes, groups[0].StateCodes...)
	}
	return codes
}
