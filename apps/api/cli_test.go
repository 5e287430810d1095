package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadValuesCSV(t *testing.T) {
	values, err := readValuesCSV(strings.NewReader("clave,state_code,municipio,asistentes\n09003,09,Coyoacán,12\n09007,09,Iztapalapa,\n15057,15,Naucalpan,4.5\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"09003": 12, "15057": 4.5}, values)

	values, err = readValuesCSV(strings.NewReader("09003,7\n15104, 2\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"09003": 7, "15104": 2}, values)

	values, err = readValuesCSV(strings.NewReader("municipio,total\n09003,1\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"09003": 1}, values, "unknown header names fall back to the first two columns")

	_, err = readValuesCSV(strings.NewReader("09003,1\n09007,muchos\n"))
	assert.ErrorContains(t, err, "line 2")

	_, err = readValuesCSV(strings.NewReader("09003\n"))
	assert.Error(t, err)

	for _, bad := range []string{"NaN", "Inf", "-Inf"} {
		_, err = readValuesCSV(strings.NewReader("clave,asistentes\n09003,1\n09007," + bad + "\n"))
		assert.ErrorContains(t, err, "line 3", bad)
		assert.ErrorContains(t, err, "not finite", bad)
	}
}

func setupOfflineEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("MAP_DATA_PATH", testDataPath)
	t.Setenv("MAP_REGIONS_FILE", "")
	t.Setenv("APP_SIGNING_SECRET", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PGDATABASE", "")
	t.Setenv("POSTGRES_DB", "")
	t.Setenv("REDIS_HOST", "")
	return filepath.Join(t.TempDir(), "missing.env")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRenderCommandWritesPNG(t *testing.T) {
	envFile := setupOfflineEnv(t)
	dir := t.TempDir()
	values := filepath.Join(dir, "valores.csv")
	require.NoError(t, os.WriteFile(values, []byte("clave,asistentes\n09003,10\n09007,20\n"), 0o644))
	out := filepath.Join(dir, "mapa.png")

	_, err := runCLI(t, "render", "--env-file", envFile, "--group", "cdmx", "--values", values, "-o", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	decodeTestPNG(t, data)
}

func TestRenderCommandRejectsUnknownGroup(t *testing.T) {
	envFile := setupOfflineEnv(t)
	_, err := runCLI(t, "render", "--env-file", envFile, "--group", "JAL", "-o", filepath.Join(t.TempDir(), "x.png"))
	assert.ErrorContains(t, err, "unknown region group")
}

func TestExportCommandWritesGeoJSON(t *testing.T) {
	envFile := setupOfflineEnv(t)
	out := filepath.Join(t.TempDir(), "mapa.geojson")

	_, err := runCLI(t, "export", "--env-file", envFile, "--format", "geojson", "--group", "EDO", "-o", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)

	_, err = runCLI(t, "export", "--env-file", envFile, "--format", "xlsx", "-o", out)
	assert.ErrorContains(t, err, "unknown format")
}

func TestExportCommandToStdout(t *testing.T) {
	envFile := setupOfflineEnv(t)

	stdout, err := runCLI(t, "export", "--env-file", envFile, "-o", "-")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "clave,state_code,municipio,asistentes\n"))
}

func TestShareTokenCommand(t *testing.T) {
	envFile := setupOfflineEnv(t)

	_, err := runCLI(t, "share-token", "--env-file", envFile)
	assert.ErrorContains(t, err, "APP_SIGNING_SECRET")

	t.Setenv("APP_SIGNING_SECRET", testSigningSecret)
	t.Setenv("PUBLIC_BASE_URL", "https://mapa.example.mx")
	stdout, err := runCLI(t, "share-token", "--env-file", envFile, "--group", "CDMX")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "https://mapa.example.mx/share/"))
}

func TestMigrateCommandNeedsDatabase(t *testing.T) {
	envFile := setupOfflineEnv(t)
	t.Setenv("PGUSER", "")
	t.Setenv("POSTGRES_USER", "")

	_, err := runCLI(t, "migrate", "--env-file", envFile)
	assert.ErrorContains(t, err, "no database configured")
}
