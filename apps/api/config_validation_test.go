package main

import (
	"testing"
	"time"
)

const testSigningSecret = "0123456789abcdef"

func setupRequiredConfigEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_SIGNING_SECRET", testSigningSecret)
	for _, key := range []string{
		"DATABASE_URL", "PGDATABASE", "POSTGRES_DB", "PGUSER", "POSTGRES_USER",
		"REDIS_HOST", "REDIS_PORT", "REDIS_DB", "MAP_UTM_ZONE", "MAP_WIDTH", "MAP_HEIGHT",
		"DEFAULT_LAT", "DEFAULT_LON", "SHARE_LINK_TTL", "RENDER_CACHE_TTL", "PUBLIC_BASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setupRequiredConfigEnv(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("expected config to load: %v", err)
	}
	if cfg.UTMZone != 19 {
		t.Fatalf("expected UTM zone 19, got %d", cfg.UTMZone)
	}
	if cfg.MapWidth != 640 || cfg.MapHeight != 480 {
		t.Fatalf("expected 640x480, got %dx%d", cfg.MapWidth, cfg.MapHeight)
	}
	if cfg.DefaultLat != 19.332829 || cfg.DefaultLon != -99.185905 {
		t.Fatalf("unexpected default marker %v,%v", cfg.DefaultLat, cfg.DefaultLon)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected snapshots disabled, got %q", cfg.DatabaseURL)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("expected render cache disabled, got %q", cfg.RedisAddr)
	}
	if cfg.ShareLinkTTL != 30*24*time.Hour {
		t.Fatalf("unexpected share ttl %v", cfg.ShareLinkTTL)
	}
	if cfg.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected public base url %q", cfg.PublicBaseURL)
	}
}

func TestLoadConfigRequiresSigningSecret(t *testing.T) {
	setupRequiredConfigEnv(t)
	t.Setenv("APP_SIGNING_SECRET", "short")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for short signing secret")
	}
	if _, err := loadConfigFromEnv(false); err != nil {
		t.Fatalf("offline config should not need the secret: %v", err)
	}
}

func TestLoadConfigBuildsDatabaseURLFromPGVars(t *testing.T) {
	setupRequiredConfigEnv(t)
	t.Setenv("PGHOST", "db")
	t.Setenv("PGPORT", "5433")
	t.Setenv("PGDATABASE", "asistentes")
	t.Setenv("PGUSER", "mapa")
	t.Setenv("PGPASSWORD", "secreto")
	t.Setenv("PGSSLMODE", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("expected config to load: %v", err)
	}
	want := "postgres://mapa:secreto@db:5433/asistentes?sslmode=disable"
	if cfg.DatabaseURL != want {
		t.Fatalf("expected %q, got %q", want, cfg.DatabaseURL)
	}
}

func TestLoadConfigRedis(t *testing.T) {
	setupRequiredConfigEnv(t)
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("RENDER_CACHE_TTL", "90s")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("expected config to load: %v", err)
	}
	if cfg.RedisAddr != "cache:6379" || cfg.RedisDB != 2 {
		t.Fatalf("unexpected redis config %q db=%d", cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.RenderCacheTTL != 90*time.Second {
		t.Fatalf("unexpected cache ttl %v", cfg.RenderCacheTTL)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"MAP_UTM_ZONE":     "61",
		"MAP_WIDTH":        "wide",
		"MAP_HEIGHT":       "10",
		"DEFAULT_LAT":      "95",
		"DEFAULT_LON":      "east",
		"SHARE_LINK_TTL":   "-1h",
		"RENDER_CACHE_TTL": "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setupRequiredConfigEnv(t)
			t.Setenv(key, value)
			if _, err := loadConfig(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}
