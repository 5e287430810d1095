package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"mapa-asistentes/libs/mailer"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	defaultLatitude          = 19.332829
	defaultLongitude         = -99.185905
	defaultShareLinkTTL      = 30 * 24 * time.Hour
	defaultRenderCacheTTL    = 10 * time.Minute
	maxEditRows              = 5000
	devCORSOriginLocalhost   = "http://localhost:5173"
	devCORSOriginLoopback    = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4 = "127.0.0.1"
	trustedProxyLoopbackIPv6 = "::1"
)

type Config struct {
	Addr                string
	Env                 string
	DataPath            string
	RegionsFile         string
	UTMZone             int
	MapWidth            int
	MapHeight           int
	DefaultLat          float64
	DefaultLon          float64
	PublicBaseURL       string
	AppSigningSecret    string
	ShareLinkTTL        time.Duration
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RenderCacheTTL      time.Duration
	ResendAPIKey        string
	MailerFromAddresses map[string]string
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	dashboard *Dashboard
	renderer  *mapRenderer
	cache     renderCache
	mailer    *mailer.Mailer
	metrics   *appMetrics
	templates *dashboardTemplateRenderer

	// test hooks for the snapshot store
	snapshotSave func(ctx context.Context, name string, snap snapshotPayload) (*Snapshot, error)
	snapshotList func(ctx context.Context) ([]Snapshot, error)
	snapshotLoad func(ctx context.Context, id int64) (*Snapshot, error)
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// loadDotEnv reads .env without overriding variables already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func loadConfig() (*Config, error) {
	return loadConfigFromEnv(true)
}

// loadConfigFromEnv reads the configuration. Offline commands that never sign
// share links pass requireSecret=false.
func loadConfigFromEnv(requireSecret bool) (*Config, error) {
	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if requireSecret && len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	publicBase := strings.TrimRight(valueOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"), "/")

	env := valueOrDefault("APP_ENV", "development")

	cfg := &Config{
		Addr:             valueOrDefault("GIN_ADDR", ":8080"),
		Env:              env,
		DataPath:         valueOrDefault("MAP_DATA_PATH", "mapa_mexico3"),
		RegionsFile:      strings.TrimSpace(os.Getenv("MAP_REGIONS_FILE")),
		UTMZone:          defaultUTMZone,
		MapWidth:         defaultMapWidth,
		MapHeight:        defaultMapHeight,
		DefaultLat:       defaultLatitude,
		DefaultLon:       defaultLongitude,
		PublicBaseURL:    publicBase,
		AppSigningSecret: secret,
		ShareLinkTTL:     defaultShareLinkTTL,
		DatabaseURL:      databaseURLFromEnv(),
		RedisPassword:    strings.TrimSpace(os.Getenv("REDIS_PASS")),
		RenderCacheTTL:   defaultRenderCacheTTL,
		ResendAPIKey:     strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "mapa@asistentes.mx"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "mapa@asistentes.local"),
		},
	}

	var err error
	if cfg.UTMZone, err = intFromEnv("MAP_UTM_ZONE", cfg.UTMZone, 1, 60); err != nil {
		return nil, err
	}
	if cfg.MapWidth, err = intFromEnv("MAP_WIDTH", cfg.MapWidth, 160, 4096); err != nil {
		return nil, err
	}
	if cfg.MapHeight, err = intFromEnv("MAP_HEIGHT", cfg.MapHeight, 120, 4096); err != nil {
		return nil, err
	}
	if cfg.DefaultLat, err = floatFromEnv("DEFAULT_LAT", cfg.DefaultLat, -90, 90); err != nil {
		return nil, err
	}
	if cfg.DefaultLon, err = floatFromEnv("DEFAULT_LON", cfg.DefaultLon, -180, 180); err != nil {
		return nil, err
	}
	if cfg.ShareLinkTTL, err = durationFromEnv("SHARE_LINK_TTL", cfg.ShareLinkTTL); err != nil {
		return nil, err
	}
	if cfg.RenderCacheTTL, err = durationFromEnv("RENDER_CACHE_TTL", cfg.RenderCacheTTL); err != nil {
		return nil, err
	}

	if host := strings.TrimSpace(os.Getenv("REDIS_HOST")); host != "" {
		cfg.RedisAddr = host + ":" + valueOrDefault("REDIS_PORT", "6379")
		if cfg.RedisDB, err = intFromEnv("REDIS_DB", 0, 0, 15); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// databaseURLFromEnv returns "" when no database is configured; snapshots are
// then disabled.
func databaseURLFromEnv() string {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL != "" {
		return databaseURL
	}
	host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
	user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
	password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
	sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	if dbname == "" || user == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}

func intFromEnv(key string, fallback, min, max int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer", key)
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("%s must be between %d and %d", key, min, max)
	}
	return parsed, nil
}

func floatFromEnv(key string, fallback, min, max float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid number", key)
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("%s must be between %g and %g", key, min, max)
	}
	return parsed, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration", key)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

// newCoreApp loads the base map and builds the dashboard and renderer. It
// opens no connections.
func newCoreApp(cfg *Config, logger *slog.Logger) (*App, error) {
	groups, err := loadRegionGroups(cfg.RegionsFile)
	if err != nil {
		return nil, err
	}
	proj, err := utmProjection(cfg.UTMZone, true)
	if err != nil {
		return nil, err
	}
	dataset, err := loadDataset(cfg.DataPath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("map data loaded",
		"source", dataset.Source,
		"municipalities", len(dataset.Municipalities),
		"state_codes", strings.Join(dataset.stateCodes(), ","),
	)

	return &App{
		cfg:       cfg,
		log:       logger,
		dashboard: newDashboard(dataset, groups, proj),
		renderer:  newMapRenderer(cfg.MapWidth, cfg.MapHeight, groups, proj),
		metrics:   newAppMetrics(),
		templates: newDashboardTemplateRenderer(cfg.Env),
	}, nil
}

// newApp wires every optional backend on top of the core app. The returned
// cleanup closes whatever was opened.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, func(), error) {
	app, err := newCoreApp(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		app.db = db
		if err := app.runMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		logger.Info("snapshot store enabled")
	} else {
		logger.Info("snapshot store disabled")
	}

	if cfg.RedisAddr != "" {
		cache := newRedisRenderCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RenderCacheTTL)
		closers = append(closers, func() { _ = cache.Close() })
		if err := cache.Ping(ctx); err != nil {
			logger.Error("redis ping failed, render cache disabled", "err", err)
		} else {
			app.cache = cache
			logger.Info("render cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.RenderCacheTTL.String())
		}
	}

	var mailProvider mailer.Provider
	if cfg.ResendAPIKey != "" {
		mailProvider = mailer.NewResendProvider(cfg.ResendAPIKey)
	} else {
		mailProvider = mailer.NewLogProvider(logger)
	}
	app.mailer = mailer.New(mailProvider, cfg.MailerFromAddresses[mailProvider.Name()])
	logger.Info("mailer initialized", "provider", mailProvider.Name())

	return app, cleanup, nil
}

func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (a *App) router() (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery())
	r.Use(a.loggingMiddleware())
	r.Use(a.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(a.metrics.handler()))

	if err := a.registerDashboardRoutes(r); err != nil {
		return nil, err
	}
	r.GET("/share/:token", a.sharedMapHandler)

	api := r.Group("/api/v1")
	{
		api.GET("/groups", a.groupsHandler)
		api.GET("/table", a.tableHandler)
		api.POST("/table", a.toggleTableHandler)
		api.POST("/map", a.mapHandler)
		api.GET("/map.png", a.mapPNGHandler)
		api.GET("/locate", a.locateHandler)
		api.GET("/export", a.exportHandler)
		api.POST("/share", a.createShareHandler)
		api.POST("/share/email", a.emailShareHandler)
		api.GET("/snapshots", a.listSnapshotsHandler)
		api.POST("/snapshots", a.saveSnapshotHandler)
		api.POST("/snapshots/:id/restore", a.restoreSnapshotHandler)
	}
	return r, nil
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile(filepath.ToSlash(filepath.Join("migrations", file)))
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "message": apiErr.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
