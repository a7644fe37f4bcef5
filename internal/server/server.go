package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config carries the dependencies of the HTTP server. Store and Files are
// required; everything else has a usable zero value.
type Config struct {
	Addr string // e.g. ":8080"

	Store *Store
	Files *FileStore

	ChunkSize       int
	MaxUploadBytes  int64
	UploadRateLimit int // per client IP per minute

	// TrustProxyHeaders takes the client IP from X-Forwarded-For or
	// X-Real-IP. Enable only behind a reverse proxy that sets them.
	TrustProxyHeaders bool

	Logger  *Logger
	Metrics *Metrics
	Mirror  *MirrorManager
	Version string
}

type Server struct {
	httpServer *http.Server

	store    *Store
	files    *FileStore
	uploader *Uploader
	mirror   *MirrorManager
	limiter  *rateLimiter

	logger  *Logger
	metrics *Metrics

	chunkSize      int
	maxUploadBytes int64
	trustProxy     bool
	version        string
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	s := &Server{
		store:          cfg.Store,
		files:          cfg.Files,
		uploader:       NewUploader(cfg.Store, cfg.Files, cfg.ChunkSize, cfg.Logger, cfg.Metrics),
		mirror:         cfg.Mirror,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		chunkSize:      cfg.ChunkSize,
		maxUploadBytes: cfg.MaxUploadBytes,
		trustProxy:     cfg.TrustProxyHeaders,
		version:        cfg.Version,
	}
	if cfg.UploadRateLimit > 0 {
		s.limiter = newRateLimiter(cfg.UploadRateLimit, time.Minute)
		s.limiter.trustProxy = cfg.TrustProxyHeaders
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(s.logger, s.metrics, s.trustProxy))
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	// Only rendered pages are compressed; downloads keep their Content-Length.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, "text/html"))
		r.Get("/", s.handleIndex)
		r.Get("/upload", s.handleUploadForm)
	})

	var uploadMW []func(http.Handler) http.Handler
	if s.limiter != nil {
		uploadMW = append(uploadMW, s.limiter.middleware(func(*http.Request) {
			s.metrics.RecordUploadRejected("rate_limited")
		}))
	}
	r.With(uploadMW...).Post("/upload", s.handleUpload)

	r.Get("/download/{identifier}", s.handleDownload)

	r.Get("/health", s.HandleHealth)
	r.Get("/ready", s.HandleReady)
	r.Get("/live", s.HandleLive)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// Handler returns the fully wrapped router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("http server listening", map[string]any{"addr": ln.Addr().String()})
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}
