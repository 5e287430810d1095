package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const maxSnapshotNameLength = 120

// Snapshot is a saved dashboard state. Payload is only loaded when restoring.
type Snapshot struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	CreatedAt  time.Time        `json:"created_at"`
	ValueCount int              `json:"value_count"`
	Payload    *snapshotPayload `json:"-"`
}

type snapshotPayload struct {
	Groups map[string]bool    `json:"groups"`
	Marker *LatLon            `json:"marker,omitempty"`
	Values map[string]float64 `json:"values"`
}

type saveSnapshotRequest struct {
	Name string   `json:"name" binding:"required"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}

type restoreSnapshotResponse struct {
	Snapshot Snapshot     `json:"snapshot"`
	Groups   []groupState `json:"groups"`
	Rows     []TableRow   `json:"rows"`
	Marker   *LatLon      `json:"marker,omitempty"`
	Applied  int          `json:"applied"`
	Ignored  int          `json:"ignored"`
}

func (a *App) snapshotsEnabled() bool {
	return a.db != nil || a.snapshotSave != nil
}

func (a *App) saveSnapshot(ctx context.Context, name string, snap snapshotPayload) (*Snapshot, error) {
	if a.snapshotSave != nil {
		return a.snapshotSave(ctx, name, snap)
	}
	return a.storeSaveSnapshot(ctx, name, snap)
}

func (a *App) listSnapshots(ctx context.Context) ([]Snapshot, error) {
	if a.snapshotList != nil {
		return a.snapshotList(ctx)
	}
	return a.storeListSnapshots(ctx)
}

func (a *App) loadSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	if a.snapshotLoad != nil {
		return a.snapshotLoad(ctx, id)
	}
	return a.storeLoadSnapshot(ctx, id)
}

func (a *App) storeSaveSnapshot(ctx context.Context, name string, snap snapshotPayload) (*Snapshot, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	s := Snapshot{Name: name, ValueCount: len(snap.Values)}
	err = a.db.QueryRowContext(ctx, `
		INSERT INTO snapshots (name, payload, value_count)
		VALUES ($1, $2::jsonb, $3)
		RETURNING id, created_at
	`, name, string(payload), s.ValueCount).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *App) storeListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, name, created_at, value_count
		FROM snapshots
		ORDER BY created_at DESC, id DESC
		LIMIT 200
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := []Snapshot{}
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.ValueCount); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func (a *App) storeLoadSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	var (
		s   Snapshot
		raw []byte
	)
	err := a.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, value_count, payload
		FROM snapshots
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.CreatedAt, &s.ValueCount, &raw)
	if err != nil {
		return nil, err
	}
	var payload snapshotPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	s.Payload = &payload
	return &s, nil
}

func (a *App) requireSnapshots(c *gin.Context) bool {
	if a.snapshotsEnabled() {
		return true
	}
	writeAPIError(c, &apiError{Status: http.StatusServiceUnavailable, Code: "snapshots_disabled", Message: "Snapshots need a database"})
	return false
}

func (a *App) listSnapshotsHandler(c *gin.Context) {
	if !a.requireSnapshots(c) {
		return
	}
	snapshots, err := a.listSnapshots(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (a *App) saveSnapshotHandler(c *gin.Context) {
	if !a.requireSnapshots(c) {
		return
	}
	var body saveSnapshotRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "A snapshot name is required"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" || len(name) > maxSnapshotNameLength {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_name", Message: "Snapshot name must be 1 to 120 characters"})
		return
	}
	marker, err := markerFromPointers(body.Lat, body.Lon)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	view := a.dashboard.View(marker)
	snap, err := a.saveSnapshot(c.Request.Context(), name, snapshotPayload{
		Groups: view.Enabled,
		Marker: marker,
		Values: view.subset.values(),
	})
	if err != nil {
		writeAPIError(c, err)
		return
	}
	a.log.Info("snapshot saved", "id", snap.ID, "values", snap.ValueCount)
	c.JSON(http.StatusCreated, snap)
}

// restoreSnapshotHandler applies the saved toggles first, which resets the
// table, then merges the saved values.
func (a *App) restoreSnapshotHandler(c *gin.Context) {
	if !a.requireSnapshots(c) {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "snapshot_not_found", Message: "Snapshot not found"})
		return
	}
	snap, err := a.loadSnapshot(c.Request.Context(), id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && snap.Payload == nil) {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "snapshot_not_found", Message: "Snapshot not found"})
		return
	}
	if err != nil {
		writeAPIError(c, err)
		return
	}

	rows, res := a.dashboard.Restore(snap.Payload.Groups, snap.Payload.Values)
	a.metrics.togglesTotal.Inc()
	a.metrics.editsTotal.Add(float64(res.Applied))
	view := a.dashboard.View(nil)
	c.JSON(http.StatusOK, restoreSnapshotResponse{
		Snapshot: *snap,
		Groups:   a.groupStates(view.Enabled),
		Rows:     rows,
		Marker:   snap.Payload.Marker,
		Applied:  res.Applied,
		Ignored:  res.Ignored,
	})
}
