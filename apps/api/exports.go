package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-pdf/fpdf"
	"github.com/paulmach/orb/geojson"
)

type exportFormat struct {
	ext         string
	contentType string
}

var exportFormats = map[string]exportFormat{
	"csv":     {ext: "csv", contentType: "text/csv; charset=utf-8"},
	"geojson": {ext: "geojson", contentType: "application/geo+json"},
	"pdf":     {ext: "pdf", contentType: "application/pdf"},
}

func (a *App) exportHandler(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.Query("format")))
	if _, ok := exportFormats[format]; !ok {
		format = "csv"
	}
	marker, err := markerFromQuery(c, false)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if marker == nil {
		marker = &LatLon{Lat: a.cfg.DefaultLat, Lon: a.cfg.DefaultLon}
	}

	now := time.Now().UTC()
	body, err := a.buildExport(c.Request.Context(), format, a.dashboard.View(marker), now)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	f := exportFormats[format]
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", exportFileName(now, f.ext)))
	c.Data(http.StatusOK, f.contentType, body)
}

func (a *App) buildExport(ctx context.Context, format string, view mapView, now time.Time) ([]byte, error) {
	switch format {
	case "geojson":
		return buildGeoJSON(view)
	case "pdf":
		png, err := a.renderView(ctx, view, "export")
		if err != nil {
			return nil, err
		}
		return buildPDF(view, png, now)
	default:
		return buildCSV(view)
	}
}

func exportFileName(now time.Time, ext string) string {
	return fmt.Sprintf("asistentes-%s.%s", now.UTC().Format("20060102T150405Z"), ext)
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func buildCSV(view mapView) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buffer)
	if err := writer.Write([]string{"clave", "state_code", "municipio", "asistentes"}); err != nil {
		return nil, err
	}
	for _, e := range view.subset.entries {
		if err := writer.Write([]string{e.Key, e.StateCode, e.Name, formatValue(e.Value)}); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// buildGeoJSON writes the subset in WGS84, the way the base map was loaded.
func buildGeoJSON(view mapView) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, e := range view.subset.entries {
		f := geojson.NewFeature(e.Geometry)
		f.Properties["clave"] = e.Key
		f.Properties["state_code"] = e.StateCode
		f.Properties["municipio"] = e.Name
		if e.Value != nil {
			f.Properties["asistentes"] = *e.Value
		} else {
			f.Properties["asistentes"] = nil
		}
		fc.Append(f)
	}
	return fc.MarshalJSON()
}

func buildPDF(view mapView, png []byte, generatedAt time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 16)
	pdf.Cell(0, 10, tr("Asistentes por municipio"))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(6)
	if view.Marker != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Marker: %.6f, %.6f", view.Marker.Lat, view.Marker.Lon))
		pdf.Ln(6)
	}

	total := 0.0
	recorded := 0
	for _, e := range view.subset.entries {
		if e.Value != nil {
			total += *e.Value
			recorded++
		}
	}
	pdf.Cell(0, 6, fmt.Sprintf("Municipalities: %d, with attendance: %d, total: %s", len(view.subset.entries), recorded, strconv.FormatFloat(total, 'f', -1, 64)))
	pdf.Ln(8)

	const imageName = "map"
	pdf.RegisterImageOptionsReader(imageName, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(png))
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("embed map image: %w", err)
	}
	pdf.ImageOptions(imageName, 15, pdf.GetY(), 180, 0, true, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(30, 7, "Clave", "1", 0, "L", false, 0, "")
	pdf.CellFormat(110, 7, "Municipio", "1", 0, "L", false, 0, "")
	pdf.CellFormat(40, 7, "Asistentes", "1", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, e := range view.subset.entries {
		pdf.CellFormat(30, 6, e.Key, "1", 0, "L", false, 0, "")
		pdf.CellFormat(110, 6, tr(e.Name), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, formatValue(e.Value), "1", 1, "R", false, 0, "")
	}

	buffer := bytes.NewBuffer(nil)
	if err := pdf.Output(buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
