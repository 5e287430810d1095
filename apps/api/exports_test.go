package main

import (
	"bytes"
	"encoding/csv"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var attachmentNamePattern = regexp.MustCompile(`^attachment; filename="asistentes-\d{8}T\d{6}Z\.(csv|geojson|pdf)"$`)

func seedValues(t *testing.T, router http.Handler) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/map",
		`{"rows":[{"clave":"09003","asistentes":12},{"clave":"15057","asistentes":"4.5"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestExportCSV(t *testing.T) {
	_, router := newTestServer(t)
	seedValues(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/export?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Regexp(t, attachmentNamePattern, w.Header().Get("Content-Disposition"))

	records, err := csv.NewReader(bytes.NewReader(w.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"clave", "state_code", "municipio", "asistentes"},
		{"09003", "09", "Coyoacán", "12"},
		{"09007", "09", "Iztapalapa", ""},
		{"15057", "15", "Naucalpan de Juárez", "4.5"},
		{"15104", "15", "Tlalnepantla de Baz", ""},
	}, records)
}

func TestExportUnknownFormatFallsBackToCSV(t *testing.T) {
	_, router := newTestServer(t)

	for _, path := range []string{"/api/v1/export", "/api/v1/export?format=xlsx"} {
		w := doJSON(t, router, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"), path)
	}
}

func TestExportGeoJSON(t *testing.T) {
	_, router := newTestServer(t)
	seedValues(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/export?format=GeoJSON", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 4)

	first := fc.Features[0]
	assert.Equal(t, "09003", first.Properties["clave"])
	assert.Equal(t, 12.0, first.Properties["asistentes"])
	assert.Equal(t, "MultiPolygon", first.Geometry.GeoJSONType())
	assert.InDelta(t, -99.2, first.Geometry.Bound().Min[0], 1e-9, "exported in lon/lat")

	assert.Nil(t, fc.Features[1].Properties["asistentes"])
}

func TestExportPDF(t *testing.T) {
	_, router := newTestServer(t)
	seedValues(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/export?format=pdf&lat=19.33&lon=-99.18", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))
	assert.Regexp(t, attachmentNamePattern, w.Header().Get("Content-Disposition"))

	assertAPIError(t, doJSON(t, router, http.MethodGet, "/api/v1/export?format=pdf&lat=100&lon=0", ""),
		http.StatusBadRequest, "invalid_coordinates")
}

func TestBuildPDFRejectsBrokenImage(t *testing.T) {
	d := newTestDashboard(t)
	_, err := buildPDF(d.View(nil), []byte("not a png"), time.Now())
	assert.Error(t, err)
}

func TestExportFileName(t *testing.T) {
	at := time.Date(2024, 6, 2, 15, 4, 5, 0, time.FixedZone("CST", -6*3600))
	assert.Equal(t, "asistentes-20240602T210405Z.pdf", exportFileName(at, "pdf"))
}
