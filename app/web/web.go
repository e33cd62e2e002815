// Package web implements the HTTP API of prefkeeper. All /api routes require basic auth against the users file,
// the authenticated user is the principal owning the preferences document.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/prefkeeper/app/document"
	"github.com/umputun/prefkeeper/app/journal"
	"github.com/umputun/prefkeeper/app/prefs"
	"github.com/umputun/prefkeeper/app/store"
)

// Server is the REST server
type Server struct {
	prefs       Prefs
	history     History
	users       *Users
	stats       StatsProvider
	queue       QueueInfo
	dataDir     string
	version     string
	saveLimiter *limiter.Limiter
	maxBodySize int64
	startedAt   time.Time
}

// Prefs loads and saves preference documents
type Prefs interface {
	Load(ctx context.Context, p prefs.Principal) document.Document
	Save(ctx context.Context, p prefs.Principal, payload document.Document) (prefs.SaveResult, error)
}

// History returns the save journal of a user
type History interface {
	History(ctx context.Context, userID string, limit int) ([]journal.Entry, error)
}

// StatsProvider reports stored documents
type StatsProvider interface {
	Stats() (store.Stats, error)
}

// QueueInfo reports keys with pending saves
type QueueInfo interface {
	Len() int
}

// Config holds server configuration
type Config struct {
	Prefs       Prefs         // required
	Users       *Users        // required
	History     History       // optional, history endpoint returns 404 if nil
	Stats       StatsProvider // optional
	Queue       QueueInfo     // optional
	DataDir     string        // reported in status with disk usage
	Version     string
	SaveRate    float64 // saves per second allowed from a single IP, 10 if not set
	MaxBodySize int64   // max request size, 64KB if not set
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Prefs == nil {
		return nil, fmt.Errorf("web server initialization failed: prefs service is required")
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("web server initialization failed: users are required")
	}
	if cfg.SaveRate <= 0 {
		cfg.SaveRate = 10
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 64 * 1024
	}

	lmt := tollbooth.NewLimiter(cfg.SaveRate, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"error":"too many requests"}`)

	return &Server{
		prefs:       cfg.Prefs,
		history:     cfg.History,
		users:       cfg.Users,
		stats:       cfg.Stats,
		queue:       cfg.Queue,
		dataDir:     cfg.DataDir,
		version:     cfg.Version,
		saveLimiter: lmt,
		maxBodySize: cfg.MaxBodySize,
		startedAt:   time.Now(),
	}, nil
}

// Run starts the web server, blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("prefkeeper", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.maxBodySize),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache, s.authMiddleware)
		api.HandleFunc("GET /prefs", s.handleLoad)
		api.With(tollbooth.HTTPMiddleware(s.saveLimiter)).HandleFunc("PUT /prefs", s.handleSave)
		api.HandleFunc("GET /prefs/history", s.handleHistory)
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /plans/schema", s.handlePlansSchema)
	})

	return router
}
