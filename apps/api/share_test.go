package main

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"mapa-asistentes/libs/mailer"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingMailProvider struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (p *capturingMailProvider) Name() string { return "capture" }

func (p *capturingMailProvider) Send(msg mailer.Message) (mailer.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return mailer.SendResult{}, p.err
	}
	p.sent = append(p.sent, msg)
	return mailer.SendResult{ProviderMessageID: "capture-1"}, nil
}

func TestShareTokenRoundTrip(t *testing.T) {
	app, _ := newTestServer(t)
	_, err := app.dashboard.Merge([]EditRow{{Key: "09007", Value: []byte(`8`)}})
	require.NoError(t, err)

	view := app.dashboard.View(&LatLon{Lat: 19.35, Lon: -99.05})
	token, expiresAt, err := app.createShareToken(view, time.Now())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := app.verifyShareToken(token)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"EDO": true, "CDMX": true}, claims.Groups)
	assert.Equal(t, map[string]float64{"09007": 8}, claims.Values)
	require.NotNil(t, claims.Marker)
	assert.Equal(t, -99.05, claims.Marker.Lon)
	assert.NotEmpty(t, claims.ID)
}

func TestShareTokenRejectsTamperedAndExpiredTokens(t *testing.T) {
	app, _ := newTestServer(t)
	view := app.dashboard.View(nil)

	token, _, err := app.createShareToken(view, time.Now())
	require.NoError(t, err)
	_, err = app.verifyShareToken(token + "x")
	assert.ErrorIs(t, err, errInvalidShareToken)

	expired, _, err := app.createShareToken(view, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = app.verifyShareToken(expired)
	assert.ErrorIs(t, err, errInvalidShareToken)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, shareClaims{Groups: map[string]bool{"EDO": true}})
	foreign, err := other.SignedString([]byte("another-secret-value"))
	require.NoError(t, err)
	_, err = app.verifyShareToken(foreign)
	assert.ErrorIs(t, err, errInvalidShareToken)
}

func TestShareLinkRendersFrozenView(t *testing.T) {
	app, router := newTestServer(t)
	seedValues(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/share", `{"lat":19.33,"lon":-99.18}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeBody[shareResponse](t, w)
	require.True(t, strings.HasPrefix(resp.URL, "http://mapa.test/share/"))

	// Changing the live table afterwards does not affect the shared map.
	doJSON(t, router, http.MethodPost, "/api/v1/table", `{"groups":{"EDO":true,"CDMX":false}}`)

	link, err := url.Parse(resp.URL)
	require.NoError(t, err)
	w = doJSON(t, router, http.MethodGet, link.Path, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	decodeTestPNG(t, w.Body.Bytes())

	assert.Equal(t, []string{"15057", "15104"}, rowKeys(app.dashboard.Rows()))
}

func TestSharedMapHandlerUnknownToken(t *testing.T) {
	_, router := newTestServer(t)
	assertAPIError(t, doJSON(t, router, http.MethodGet, "/share/not-a-token", ""), http.StatusNotFound, "share_not_found")
}

func TestEmailShareSendsLinkAndPDF(t *testing.T) {
	app, router := newTestServer(t)
	provider := &capturingMailProvider{}
	app.mailer = mailer.New(provider, "mapa@asistentes.mx")

	w := doJSON(t, router, http.MethodPost, "/api/v1/share/email", `{"to":"coordinacion@example.mx","lat":19.33,"lon":-99.18}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, provider.sent, 1)
	msg := provider.sent[0]
	assert.Equal(t, []string{"coordinacion@example.mx"}, msg.To)
	assert.Equal(t, "mapa@asistentes.mx", msg.From)
	assert.Contains(t, msg.HTML, "http://mapa.test/share/")
	assert.Contains(t, msg.Text, "http://mapa.test/share/")
	require.Len(t, msg.Attachments, 1)
	assert.True(t, strings.HasSuffix(msg.Attachments[0].Filename, ".pdf"))
	assert.True(t, bytes.HasPrefix(msg.Attachments[0].Content, []byte("%PDF-")))
}

func TestEmailShareValidation(t *testing.T) {
	app, router := newTestServer(t)
	provider := &capturingMailProvider{}
	app.mailer = mailer.New(provider, "mapa@asistentes.mx")

	assertAPIError(t, doJSON(t, router, http.MethodPost, "/api/v1/share/email", `{"to":"no-es-correo"}`),
		http.StatusBadRequest, "invalid_email")
	assertAPIError(t, doJSON(t, router, http.MethodPost, "/api/v1/share/email", `{}`),
		http.StatusBadRequest, "invalid_email")
	assert.Empty(t, provider.sent)

	provider.err = assert.AnError
	assertAPIError(t, doJSON(t, router, http.MethodPost, "/api/v1/share/email", `{"to":"a@example.mx"}`),
		http.StatusBadGateway, "email_failed")
}

func TestBuildPublicURL(t *testing.T) {
	assert.Equal(t, "http://mapa.test/share/abc", buildPublicURL("http://mapa.test/", "/share/abc"))
	assert.Equal(t, "http://mapa.test/share/abc", buildPublicURL("http://mapa.test", "share/abc"))
}
