package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"file-share/internal/client"
	"file-share/internal/server"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "service=backend msg=%q err=%v\n", "fatal", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "backend",
		Usage:   "file sharing server with chunked uploads and shareable download links",
		Version: version,
		Flags:   serveFlags(),
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server (default)",
				Flags:  serveFlags(),
				Action: serve,
			},
			{
				Name:      "push",
				Usage:     "Upload local files to a running server",
				ArgsUsage: "FILE [FILE...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "server",
						Usage:   "base URL of the server",
						Value:   "http://localhost:8080",
						EnvVars: []string{"FS_SERVER"},
					},
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "do not draw a progress bar",
					},
				},
				Action: push,
			},
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "Version:    %s\n", version)
					fmt.Fprintf(c.App.Writer, "Git commit: %s\n", commit)
					return nil
				},
			},
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address", EnvVars: []string{"FS_ADDR"}},
		&cli.StringFlag{Name: "db-driver", Value: "sqlite3", Usage: "sqlite3 or pgx", EnvVars: []string{"FS_DB_DRIVER"}},
		&cli.StringFlag{Name: "db-dsn", Value: "db.sqlite3", Usage: "database file (sqlite3) or connection URL (pgx)", EnvVars: []string{"FS_DB_DSN"}},
		&cli.StringFlag{Name: "upload-root", Value: "uploads", Usage: "directory holding the dated upload folders", EnvVars: []string{"FS_UPLOAD_ROOT"}},
		&cli.IntFlag{Name: "chunk-size", Value: server.DefaultChunkSize, Usage: "read/write block size in bytes", EnvVars: []string{"FS_CHUNK_SIZE"}},
		&cli.Int64Flag{Name: "max-upload-bytes", Usage: "request body limit, 0 for none", EnvVars: []string{"FS_MAX_UPLOAD_BYTES"}},
		&cli.IntFlag{Name: "upload-rate-limit", Usage: "uploads per minute per client IP, 0 for none", EnvVars: []string{"FS_UPLOAD_RATE_LIMIT"}},
		&cli.BoolFlag{Name: "trust-proxy-headers", Usage: "take the client IP from X-Forwarded-For/X-Real-IP (only behind a proxy that sets them)", EnvVars: []string{"FS_TRUST_PROXY_HEADERS"}},
		&cli.StringFlag{Name: "log-dir", Value: "log", Usage: "directory for daily log files", EnvVars: []string{"FS_LOG_DIR"}},
		&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error", EnvVars: []string{"FS_LOG_LEVEL"}},
		&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json", EnvVars: []string{"FS_LOG_FORMAT"}},
		&cli.IntFlag{Name: "log-queue", Value: 1024, Usage: "buffered log lines before dropping", EnvVars: []string{"FS_LOG_QUEUE"}},
		&cli.BoolFlag{Name: "mirror", Usage: "copy uploads to an S3 compatible bucket", EnvVars: []string{"FS_MIRROR_ENABLED"}},
		&cli.StringFlag{Name: "mirror-endpoint", EnvVars: []string{"FS_MIRROR_ENDPOINT"}},
		&cli.StringFlag{Name: "mirror-access-key", EnvVars: []string{"FS_MIRROR_ACCESS_KEY"}},
		&cli.StringFlag{Name: "mirror-secret-key", EnvVars: []string{"FS_MIRROR_SECRET_KEY"}},
		&cli.StringFlag{Name: "mirror-bucket", EnvVars: []string{"FS_MIRROR_BUCKET"}},
		&cli.StringFlag{Name: "mirror-prefix", EnvVars: []string{"FS_MIRROR_PREFIX"}},
		&cli.DurationFlag{Name: "mirror-interval", Value: time.Minute, EnvVars: []string{"FS_MIRROR_INTERVAL"}},
	}
}

func settingsFromContext(c *cli.Context) server.Settings {
	return server.Settings{
		Addr:            c.String("addr"),
		DBDriver:        c.String("db-driver"),
		DBDSN:           c.String("db-dsn"),
		UploadRoot:      c.String("upload-root"),
		ChunkSize:       c.Int("chunk-size"),
		MaxUploadBytes:  c.Int64("max-upload-bytes"),
		UploadRateLimit: c.Int("upload-rate-limit"),
		TrustProxy:      c.Bool("trust-proxy-headers"),
		LogDir:          c.String("log-dir"),
		LogLevel:        c.String("log-level"),
		LogFormat:       c.String("log-format"),
		LogQueue:        c.Int("log-queue"),
		Mirror: server.MirrorConfig{
			Enabled:   c.Bool("mirror"),
			Endpoint:  c.String("mirror-endpoint"),
			AccessKey: c.String("mirror-access-key"),
			SecretKey: c.String("mirror-secret-key"),
			Bucket:    c.String("mirror-bucket"),
			Prefix:    c.String("mirror-prefix"),
			Interval:  c.Duration("mirror-interval"),
		},
	}
}

func serve(c *cli.Context) error {
	settings := settingsFromContext(c)
	if err := server.ValidateSettings(settings); err != nil {
		return err
	}

	sink, err := server.NewAsyncSink(settings.LogDir, settings.LogQueue, c.App.Writer)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()
	logger := server.NewLogger(sink, server.ParseLogLevel(settings.LogLevel), settings.LogFormat == "json")
	server.WarnOnOptionalSettings(settings, logger)

	dbConn, err := server.OpenDB(settings.DBDriver, settings.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", map[string]any{"driver": settings.DBDriver}, err)
		return err
	}
	defer func() { _ = dbConn.Close() }()

	store := server.NewStore(dbConn, settings.DBDriver)
	if err := store.Initialize(c.Context); err != nil {
		logger.Error("migration_failed", nil, err)
		return err
	}
	logger.Info("database ready", map[string]any{"driver": settings.DBDriver})

	files, err := server.NewFileStore(settings.UploadRoot)
	if err != nil {
		return err
	}

	metrics := server.NewMetrics()

	var mirror *server.MirrorManager
	if settings.Mirror.Enabled {
		mc, err := server.NewMinioClient(c.Context, settings.Mirror)
		if err != nil {
			logger.Error("mirror_setup_failed", map[string]any{"endpoint": settings.Mirror.Endpoint}, err)
			return err
		}
		mirror = server.NewMirrorManager(settings.Mirror, store, mc, logger, metrics)
		mirror.Start()
	}

	srv := server.New(server.Config{
		Addr:              settings.Addr,
		Store:             store,
		Files:             files,
		ChunkSize:         settings.ChunkSize,
		MaxUploadBytes:    settings.MaxUploadBytes,
		UploadRateLimit:   settings.UploadRateLimit,
		TrustProxyHeaders: settings.TrustProxy,
		Logger:            logger,
		Metrics:           metrics,
		Mirror:            mirror,
		Version:           version,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting", map[string]any{
			"addr":        settings.Addr,
			"version":     version,
			"commit":      commit,
			"upload_root": files.Root(),
		})
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting_down", map[string]any{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(ctx)
		if mirror != nil {
			mirror.Stop()
		}
		if err != nil {
			logger.Error("shutdown_error", nil, err)
			return err
		}
		logger.Info("shutdown_complete", map[string]any{"dropped_log_lines": sink.Dropped()})
		return nil
	case err := <-errCh:
		if mirror != nil {
			mirror.Stop()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_error", nil, err)
			return err
		}
		return nil
	}
}

func push(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("push: at least one file is required", 2)
	}

	var progress io.Writer = c.App.ErrWriter
	if c.Bool("quiet") {
		progress = nil
	}

	report, err := client.Push(c.Context, client.Options{
		BaseURL:  c.String("server"),
		Progress: progress,
	}, c.Args().Slice())
	if err != nil {
		return err
	}

	base := strings.TrimRight(c.String("server"), "/")
	for _, f := range report.Stored {
		fmt.Fprintf(c.App.Writer, "stored  %s  %s/download/%s\n", f.Filename, base, f.Identifier)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(c.App.Writer, "failed  %s  %s\n", e.Filename, e.Message)
	}
	if len(report.Errors) > 0 {
		return cli.Exit(fmt.Sprintf("%d file(s) were not stored", len(report.Errors)), 1)
	}
	return nil
}
