package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type dashboardPageData struct {
	Title            string
	Groups           []groupState
	Rows             []TableRow
	Lat              float64
	Lon              float64
	MapSrc           string
	SnapshotsEnabled bool
}

type groupState struct {
	RegionGroup
	On bool `json:"on"`
}

type mapRequest struct {
	Rows []EditRow `json:"rows"`
	Lat  *float64  `json:"lat"`
	Lon  *float64  `json:"lon"`
}

type mapResponse struct {
	Src     string    `json:"src"`
	Located *TableRow `json:"located"`
	Applied int       `json:"applied"`
	Ignored int       `json:"ignored"`
}

type toggleRequest struct {
	Groups map[string]bool `json:"groups"`
}

type tableResponse struct {
	Groups []groupState `json:"groups"`
	Rows   []TableRow   `json:"rows"`
}

func (a *App) registerDashboardRoutes(r *gin.Engine) error {
	static, err := dashboardStaticFileSystem(a.cfg.Env)
	if err != nil {
		return err
	}
	r.StaticFS("/static", static)
	r.GET("/", a.dashboardPageHandler)
	return nil
}

func (a *App) dashboardPageHandler(c *gin.Context) {
	marker := &LatLon{Lat: a.cfg.DefaultLat, Lon: a.cfg.DefaultLon}
	view := a.dashboard.View(marker)
	png, err := a.renderView(c.Request.Context(), view, "page")
	if err != nil {
		a.log.Error("initial map render failed", "err", err)
		c.String(http.StatusInternalServerError, "map render failure")
		return
	}

	data := dashboardPageData{
		Title:            "Asistentes por municipio",
		Groups:           a.groupStates(view.Enabled),
		Rows:             view.subset.rows(),
		Lat:              marker.Lat,
		Lon:              marker.Lon,
		MapSrc:           pngDataURI(png),
		SnapshotsEnabled: a.snapshotsEnabled(),
	}
	a.renderDashboardTemplate(c, http.StatusOK, "templates/dashboard/index.tmpl", data)
}

func (a *App) renderDashboardTemplate(c *gin.Context, status int, contentTemplatePath string, data any) {
	templates, err := a.templates.templatesForRender(contentTemplatePath)
	if err != nil {
		c.String(http.StatusInternalServerError, "dashboard template error: %v", err)
		return
	}

	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if executeErr := templates.ExecuteTemplate(c.Writer, "layout", data); executeErr != nil {
		a.log.Error("render dashboard template failed", "error", executeErr)
		if !c.Writer.Written() {
			c.String(http.StatusInternalServerError, "render failure")
		}
	}
}

func (a *App) groupStates(enabled map[string]bool) []groupState {
	groups := a.dashboard.Groups()
	out := make([]groupState, len(groups))
	for i, g := range groups {
		out[i] = groupState{RegionGroup: g, On: enabled[g.ID]}
	}
	return out
}

func (a *App) groupsHandler(c *gin.Context) {
	view := a.dashboard.View(nil)
	c.JSON(http.StatusOK, a.groupStates(view.Enabled))
}

func (a *App) tableHandler(c *gin.Context) {
	view := a.dashboard.View(nil)
	c.JSON(http.StatusOK, tableResponse{Groups: a.groupStates(view.Enabled), Rows: view.subset.rows()})
}

// toggleTableHandler recomputes the subset for the posted toggle state and
// returns the reset table.
func (a *App) toggleTableHandler(c *gin.Context) {
	var body toggleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid payload"})
		return
	}
	for id := range body.Groups {
		if _, ok := findRegionGroup(a.dashboard.Groups(), id); !ok {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "unknown_group", Message: "Unknown region group: " + id})
			return
		}
	}

	rows := a.dashboard.Toggle(body.Groups)
	a.metrics.togglesTotal.Inc()
	view := a.dashboard.View(nil)
	c.JSON(http.StatusOK, tableResponse{Groups: a.groupStates(view.Enabled), Rows: rows})
}

// mapHandler merges the posted table into the live subset and re-renders.
func (a *App) mapHandler(c *gin.Context) {
	var body mapRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid payload"})
		return
	}
	if len(body.Rows) > maxEditRows {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "too_many_rows", Message: "Too many table rows"})
		return
	}
	marker, err := markerFromPointers(body.Lat, body.Lon)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	res, err := a.dashboard.Merge(body.Rows)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	a.metrics.editsTotal.Add(float64(res.Applied))
	if res.Ignored > 0 {
		a.log.Warn("table rows with unknown clave ignored", "count", res.Ignored)
	}

	view := a.dashboard.View(marker)
	png, err := a.renderView(c.Request.Context(), view, "edit")
	if err != nil {
		writeAPIError(c, err)
		return
	}

	resp := mapResponse{Src: pngDataURI(png), Applied: res.Applied, Ignored: res.Ignored}
	if marker != nil {
		resp.Located = view.subset.locate(marker.Lat, marker.Lon)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *App) mapPNGHandler(c *gin.Context) {
	marker, err := markerFromQuery(c, false)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	png, err := a.renderView(c.Request.Context(), a.dashboard.View(marker), "png")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (a *App) locateHandler(c *gin.Context) {
	marker, err := markerFromQuery(c, true)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	located := a.dashboard.Locate(marker.Lat, marker.Lon)
	if located == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "not_located", Message: "No municipality of the current selection contains this point"})
		return
	}
	c.JSON(http.StatusOK, located)
}

// markerFromPointers returns nil when either coordinate is missing; the map is
// then drawn without a marker.
func markerFromPointers(lat, lon *float64) (*LatLon, error) {
	if lat == nil || lon == nil {
		return nil, nil
	}
	marker := LatLon{Lat: *lat, Lon: *lon}
	if !marker.valid() {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_coordinates", Message: "Latitude must be within ±90 and longitude within ±180"}
	}
	return &marker, nil
}

func markerFromQuery(c *gin.Context, required bool) (*LatLon, error) {
	rawLat := strings.TrimSpace(c.Query("lat"))
	rawLon := strings.TrimSpace(c.Query("lon"))
	if rawLat == "" || rawLon == "" {
		if required {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_coordinates", Message: "lat and lon are required"}
		}
		return nil, nil
	}
	lat, errLat := strconv.ParseFloat(rawLat, 64)
	lon, errLon := strconv.ParseFloat(rawLon, 64)
	if errLat != nil || errLon != nil {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_coordinates", Message: "lat and lon must be numbers"}
	}
	return markerFromPointers(&lat, &lon)
}
