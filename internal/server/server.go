// Package server is the HTTP surface: a chi router over the timeline
// pipeline and the structured generator, with the error contract mapped to
// status codes.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"chronofact/internal/core"
	"chronofact/internal/embedding"
	"chronofact/internal/metrics"
)

// TimelineRunner executes one timeline request. Satisfied by
// *pipeline.Pipeline.
type TimelineRunner interface {
	Run(ctx context.Context, req core.TimelineRequest) (*core.TimelineResponse, error)
}

// Generator is the slice of the structured generator the standalone
// endpoints call directly. Satisfied by *generator.Generator.
type Generator interface {
	AssessCredibility(ctx context.Context, text, author, engagement string) (core.CredibilityAssessment, error)
	DetectMisinformation(ctx context.Context, text string) (core.MisinfoAnalysis, error)
	GenerateFollowUpQuestions(ctx context.Context, originalQuery, timelineSummary string, prior []string) ([]core.FollowUpQuestion, error)
	GenerateRecommendations(ctx context.Context, query string, limit int) ([]core.Recommendation, error)
}

// HealthChecker probes the vector store. Satisfied by vectorstore.Store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the server's collaborators.
type Deps struct {
	Pipeline  TimelineRunner
	Generator Generator
	Store     HealthChecker
	Embedder  embedding.TextEngine
}

// Options configure the HTTP listener and request bounds.
type Options struct {
	Addr         string
	Version      string
	MaxBodyBytes int64
	MaxConns     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSEnabled  bool
}

// Server serves the chronofact API.
type Server struct {
	opts   Options
	deps   Deps
	logger *zap.Logger
	http   *http.Server
}

// New assembles the router and the underlying http.Server.
func New(opts Options, deps Deps, logger *zap.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.MaxBodyBytes <= 0 {
		// The body bound tracks the image cap plus base64 inflation and
		// headroom for the rest of the JSON envelope.
		opts.MaxBodyBytes = (8<<20)*4/3 + 1<<16
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}

	s := &Server{opts: opts, deps: deps, logger: logger.Named("server")}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.instrument)
	r.Use(s.recoverer)
	if opts.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Use(s.limitBody)
		r.Post("/timeline", s.handleTimeline)
		r.Post("/verify", s.handleVerify)
		r.Post("/detect", s.handleDetect)
		r.Post("/followup", s.handleFollowUp)
		r.Post("/recommend", s.handleRecommend)
	})

	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens and serves until Shutdown. The listener is capped so a
// connection flood degrades to queued accepts instead of unbounded
// goroutines. Returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	s.logger.Info("http server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", s.opts.MaxConns))
	return s.http.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "chronofact",
		"version": s.opts.Version,
		"health":  "/health",
		"metrics": "/metrics",
	})
}

type healthResponse struct {
	Status           string `json:"status"`
	EmbedderReady    bool   `json:"embedder_ready"`
	VectorStoreReady bool   `json:"vector_store_ready"`
	GeneratorReady   bool   `json:"generator_ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		EmbedderReady:  s.deps.Embedder != nil,
		GeneratorReady: s.deps.Generator != nil,
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			s.logger.Warn("vector store health check failed", zap.Error(err))
		} else {
			resp.VectorStoreReady = true
		}
	}

	resp.Status = "healthy"
	status := http.StatusOK
	if !resp.EmbedderReady || !resp.VectorStoreReady || !resp.GeneratorReady {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
