package main

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"mapa-asistentes/libs/mailer"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errInvalidShareToken = errors.New("invalid share token")

// shareClaims is everything needed to redraw a map without the live table.
type shareClaims struct {
	Groups map[string]bool    `json:"groups"`
	Marker *LatLon            `json:"marker,omitempty"`
	Values map[string]float64 `json:"values,omitempty"`
	jwt.RegisteredClaims
}

type shareRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type shareEmailRequest struct {
	To  string   `json:"to" binding:"required,email"`
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type shareResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func buildPublicURL(baseURL, path string) string {
	if strings.HasPrefix(path, "/") {
		return strings.TrimRight(baseURL, "/") + path
	}
	return strings.TrimRight(baseURL, "/") + "/" + path
}

func (a *App) createShareToken(view mapView, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(a.cfg.ShareLinkTTL)
	claims := shareClaims{
		Groups: view.Enabled,
		Marker: view.Marker,
		Values: view.subset.values(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.cfg.AppSigningSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *App) verifyShareToken(tokenString string) (*shareClaims, error) {
	claims := &shareClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.AppSigningSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidShareToken
	}
	if claims.Marker != nil && !claims.Marker.valid() {
		return nil, errInvalidShareToken
	}
	return claims, nil
}

func (a *App) shareLink(marker *LatLon) (shareResponse, mapView, error) {
	view := a.dashboard.View(marker)
	token, expiresAt, err := a.createShareToken(view, time.Now().UTC())
	if err != nil {
		return shareResponse{}, mapView{}, err
	}
	return shareResponse{
		URL:       buildPublicURL(a.cfg.PublicBaseURL, "/share/"+token),
		ExpiresAt: expiresAt,
	}, view, nil
}

func (a *App) createShareHandler(c *gin.Context) {
	var body shareRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid payload"})
		return
	}
	marker, err := markerFromPointers(body.Lat, body.Lon)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	resp, _, err := a.shareLink(marker)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// sharedMapHandler draws the map frozen in the token. The live table is left
// alone.
func (a *App) sharedMapHandler(c *gin.Context) {
	claims, err := a.verifyShareToken(c.Param("token"))
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "share_not_found", Message: "Share link is invalid or expired"})
		return
	}
	view := a.dashboard.viewFor(claims.Groups, claims.Values, claims.Marker)
	png, err := a.renderView(c.Request.Context(), view, "share")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, "image/png", png)
}

func (a *App) emailShareHandler(c *gin.Context) {
	var body shareEmailRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_email", Message: "A valid recipient address is required"})
		return
	}
	marker, err := markerFromPointers(body.Lat, body.Lon)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	link, view, err := a.shareLink(marker)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	now := time.Now().UTC()
	pdf, err := a.buildExport(c.Request.Context(), "pdf", view, now)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	result, err := a.mailer.Send(shareEmail(body.To, link, pdf, now))
	if err != nil {
		a.log.Error("share email failed", "provider", a.mailer.ProviderName(), "err", err)
		writeAPIError(c, &apiError{Status: http.StatusBadGateway, Code: "email_failed", Message: "Could not send the email"})
		return
	}
	a.log.Info("share email sent", "provider", a.mailer.ProviderName(), "message_id", result.ProviderMessageID)
	c.JSON(http.StatusAccepted, gin.H{"url": link.URL, "message_id": result.ProviderMessageID})
}

func shareEmail(to string, link shareResponse, pdf []byte, now time.Time) mailer.Message {
	expires := link.ExpiresAt.Format("2006-01-02")
	return mailer.Message{
		To:      []string{to},
		Subject: "Mapa de asistentes por municipio",
		HTML: fmt.Sprintf(`<p>Se compartió un mapa de asistentes contigo.</p><p><a href="%s">Ver mapa</a> (vigente hasta %s)</p>`,
			html.EscapeString(link.URL), expires),
		Text: fmt.Sprintf("Se compartió un mapa de asistentes contigo.\n%s\nVigente hasta %s\n", link.URL, expires),
		Attachments: []mailer.Attachment{
			{Filename: exportFileName(now, "pdf"), Content: pdf},
		},
	}
}
