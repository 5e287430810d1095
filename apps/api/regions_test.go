package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRegionGroupsDefaults(t *testing.T) {
	groups, err := loadRegionGroups("")
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "EDO", groups[0].ID)
	assert.Equal(t, []string{"15"}, groups[0].StateCodes)
	assert.False(t, groups[0].Outline)
	assert.Equal(t, "CDMX", groups[1].ID)
	assert.Equal(t, []string{"09"}, groups[1].StateCodes)
	assert.True(t, groups[1].Outline)
}

func TestLoadRegionGroupsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
groups:
  - id: MICH
    label: Michoacán
    state_codes: ["16"]
    enabled: true
  - id: CDMX
    label: Ciudad de México
    state_codes: ["9"]
    outline: true
`), 0o644))

	groups, err := loadRegionGroups(path)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Michoacán", groups[0].Label)
	assert.Equal(t, []string{"09"}, groups[1].StateCodes)
	assert.False(t, groups[1].Enabled)
}

func TestParseRegionGroupsRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"no groups":       "groups: []\n",
		"missing codes":   "groups:\n  - id: EDO\n    label: EDO\n",
		"non numeric":     "groups:\n  - id: EDO\n    label: EDO\n    state_codes: [\"MX\"]\n",
		"bad id":          "groups:\n  - id: \"ED O\"\n    label: EDO\n    state_codes: [\"15\"]\n",
		"duplicate ids":   "groups:\n  - id: EDO\n    label: a\n    state_codes: [\"15\"]\n  - id: edo\n    label: b\n    state_codes: [\"09\"]\n",
		"not yaml at all": "groups: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseRegionGroups([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRegionGroupsMissingFile(t *testing.T) {
	_, err := loadRegionGroups(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSelectStateCodes(t *testing.T) {
	groups := []RegionGroup{
		{ID: "EDO", StateCodes: []string{"15"}},
		{ID: "CDMX", StateCodes: []string{"09"}},
		{ID: "VALLE", StateCodes: []string{"09", "15"}},
	}

	assert.Equal(t, []string{"15", "09"}, selectStateCodes(groups, map[string]bool{"EDO": true, "CDMX": true}))
	assert.Equal(t, []string{"09"}, selectStateCodes(groups, map[string]bool{"CDMX": true}))
	assert.Equal(t, []string{"09", "15"}, selectStateCodes(groups, map[string]bool{"VALLE": true, "CDMX": true}))
	assert.Equal(t, []string{"15"}, selectStateCodes(groups, map[string]bool{}), "all toggles off falls back to the first group")
}

func TestFindRegionGroupIsCaseInsensitive(t *testing.T) {
	g, ok := findRegionGroup(defaultRegionGroups(), "cdmx")
	require.True(t, ok)
	assert.Equal(t, "CDMX", g.ID)

	_, ok = findRegionGroup(defaultRegionGroups(), "JAL")
	assert.False(t, ok)
}
