package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// offlineFlags are shared by the commands that draw a map without the server.
type offlineFlags struct {
	lat    float64
	lon    float64
	groups []string
	values string
	output string
}

func newRootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "mapa-asistentes",
		Short:         "Attendance choropleth dashboard for Mexican municipalities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the dashboard HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		newRenderCommand(),
		newExportCommand(),
		newShareTokenCommand(),
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending snapshot store migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context())
			},
		},
	)
	return root
}

func (f *offlineFlags) register(cmd *cobra.Command, defaultOutput string) {
	cmd.Flags().Float64Var(&f.lat, "lat", defaultLatitude, "marker latitude")
	cmd.Flags().Float64Var(&f.lon, "lon", defaultLongitude, "marker longitude")
	cmd.Flags().StringSliceVar(&f.groups, "group", nil, "region group ids to enable (default: configured defaults)")
	cmd.Flags().StringVar(&f.values, "values", "", "CSV file with clave,asistentes columns")
	cmd.Flags().StringVarP(&f.output, "output", "o", defaultOutput, "output file, - for stdout")
}

// view builds the requested map without touching any live state.
func (f *offlineFlags) view(app *App) (mapView, error) {
	marker := &LatLon{Lat: f.lat, Lon: f.lon}
	if !marker.valid() {
		return mapView{}, fmt.Errorf("invalid marker %g,%g", f.lat, f.lon)
	}

	enabled := defaultEnabledGroups(app.dashboard.Groups())
	if len(f.groups) > 0 {
		enabled = map[string]bool{}
		for _, id := range f.groups {
			g, ok := findRegionGroup(app.dashboard.Groups(), strings.TrimSpace(id))
			if !ok {
				return mapView{}, fmt.Errorf("unknown region group %q", id)
			}
			enabled[g.ID] = true
		}
	}

	var values map[string]float64
	if f.values != "" {
		file, err := os.Open(f.values)
		if err != nil {
			return mapView{}, err
		}
		defer file.Close()
		if values, err = readValuesCSV(file); err != nil {
			return mapView{}, fmt.Errorf("%s: %w", f.values, err)
		}
	}
	return app.dashboard.viewFor(enabled, values, marker), nil
}

func newRenderCommand() *cobra.Command {
	flags := &offlineFlags{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the map to a PNG file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newOfflineApp()
			if err != nil {
				return err
			}
			view, err := flags.view(app)
			if err != nil {
				return err
			}
			png, err := app.renderer.Render(view)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), flags.output, png)
		},
	}
	flags.register(cmd, "mapa.png")
	return cmd
}

func newExportCommand() *cobra.Command {
	flags := &offlineFlags{}
	var format string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the table as CSV, GeoJSON or PDF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			f, ok := exportFormats[format]
			if !ok {
				return fmt.Errorf("unknown format %q", format)
			}
			app, err := newOfflineApp()
			if err != nil {
				return err
			}
			view, err := flags.view(app)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			body, err := app.buildExport(cmd.Context(), format, view, now)
			if err != nil {
				return err
			}
			output := flags.output
			if output == "" {
				output = exportFileName(now, f.ext)
			}
			return writeOutput(cmd.OutOrStdout(), output, body)
		},
	}
	flags.register(cmd, "")
	cmd.Flags().StringVar(&format, "format", "csv", "csv, geojson or pdf")
	return cmd
}

func newShareTokenCommand() *cobra.Command {
	flags := &offlineFlags{}
	cmd := &cobra.Command{
		Use:   "share-token",
		Short: "Print a share link for a map built from flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := newCoreApp(cfg, newLogger())
			if err != nil {
				return err
			}
			view, err := flags.view(app)
			if err != nil {
				return err
			}
			token, _, err := app.createShareToken(view, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), buildPublicURL(cfg.PublicBaseURL, "/share/"+token))
			return err
		},
	}
	flags.register(cmd, "")
	return cmd
}

func newOfflineApp() (*App, error) {
	cfg, err := loadConfigFromEnv(false)
	if err != nil {
		return nil, err
	}
	return newCoreApp(cfg, newLogger())
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !strings.EqualFold(cfg.Env, "development") {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := app.router()
	if err != nil {
		return err
	}
	logger.Info("runtime configuration",
		"env", cfg.Env,
		"addr", cfg.Addr,
		"map_size", fmt.Sprintf("%dx%d", cfg.MapWidth, cfg.MapHeight),
		"utm_zone", cfg.UTMZone,
	)

	server := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runMigrate(ctx context.Context) error {
	cfg, err := loadConfigFromEnv(false)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("no database configured: set DATABASE_URL or PGDATABASE and PGUSER")
	}
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	app := &App{cfg: cfg, db: db, log: newLogger()}
	return app.runMigrations(ctx)
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// readValuesCSV reads clave,asistentes pairs. A header row is detected by a
// non-numeric value column; blank values are skipped.
func readValuesCSV(r io.Reader) (map[string]float64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	keyCol, valueCol := 0, 1
	values := map[string]float64{}
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 {
			if k, v, ok := csvHeaderColumns(record); ok {
				keyCol, valueCol = k, v
				continue
			}
		}
		if len(record) <= keyCol || len(record) <= valueCol {
			return nil, fmt.Errorf("line %d: expected clave and asistentes columns", line)
		}
		key := strings.TrimSpace(record[keyCol])
		raw := strings.TrimSpace(record[valueCol])
		if key == "" || raw == "" {
			continue
		}
		v, err := parseAttendance(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values[key] = v
	}
	return values, nil
}

func csvHeaderColumns(record []string) (int, int, bool) {
	keyCol, valueCol := -1, -1
	for i, name := range record {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "clave":
			keyCol = i
		case "asistentes":
			valueCol = i
		}
	}
	if keyCol >= 0 && valueCol >= 0 {
		return keyCol, valueCol, true
	}
	if len(record) > 1 {
		if _, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64); err != nil && strings.TrimSpace(record[1]) != "" {
			return 0, 1, true
		}
	}
	return 0, 0, false
}
