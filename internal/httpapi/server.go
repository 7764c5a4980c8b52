// Package httpapi is the daemon's native HTTP surface: the /v1/* routes
// plus the shared chi server that also mounts the OpenCode-compatible
// protocol adapter.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rivet-dev/sandboxagent/internal/opencode"
	"github.com/rivet-dev/sandboxagent/internal/sandbox"
)

// Config holds server configuration: listen address plus the token, CORS,
// and timeout knobs.
type Config struct {
	Host            string
	Port            int
	BearerToken     string
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	CloseGrace      time.Duration
	EnableInspector bool
}

func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           4096,
		RequestTimeout: 30 * time.Second,
		CloseGrace:     5 * time.Second,
	}
}

// Server is one chi.Mux serving both the native /v1 surface and the
// OpenCode-compatible surface (mounted at "/" and "/opencode").
type Server struct {
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config, sm *sandbox.Manager, adapter *opencode.Adapter) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(timeoutExceptStreams(cfg.RequestTimeout))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Last-Event-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(bearerAuth(cfg.BearerToken))

	native := NewNative(sm)
	r.Route("/v1", native.Routes)
	r.Handle("/metrics", promhttp.Handler())

	// OpenCode compatibility is mounted twice: at the documented "/opencode"
	// prefix and at "/" for clients that assume OpenCode is the API root.
	r.Route("/opencode", adapter.Routes)
	r.Group(adapter.Routes)

	return &Server{cfg: cfg, router: r}
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) Start() error {
	port := s.cfg.Port
	if port == 0 {
		port = 4096
	}
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Host + ":" + strconv.Itoa(port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.RequestTimeout,
		WriteTimeout: 0, // SSE streams outlive any fixed write timeout
	}
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.CloseGrace)
	defer cancel()
	return s.httpSrv.Shutdown(graceCtx)
}

// timeoutExceptStreams applies chi's request-timeout middleware to every
// route except the SSE endpoints, whose connections must outlive any fixed
// request bound (clients hold them open for the life of a session or turn).
func timeoutExceptStreams(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timed := middleware.Timeout(timeout)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}

func isStreamPath(path string) bool {
	switch {
	case strings.HasSuffix(path, "/events/sse"),
		strings.HasSuffix(path, "/messages/stream"),
		path == "/event", path == "/global/event",
		path == "/opencode/event", path == "/opencode/global/event":
		return true
	}
	return false
}

// bearerAuth implements the optional static-token auth: when a token is
// configured, every route except /v1/health must present it via
// "Authorization: Bearer <token>", the legacy "Token <token>" form, or HTTP
// Basic with the token as the password.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/health" {
				next.ServeHTTP(w, r)
				return
			}
			if requestToken(r) == token {
				next.ServeHTTP(w, r)
				return
			}
			writeErrorCode(w, sandbox.CodeTokenInvalid, "missing or invalid bearer token")
		})
	}
}

func requestToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		return strings.TrimPrefix(auth, "Bearer ")
	case strings.HasPrefix(auth, "Token "):
		return strings.TrimPrefix(auth, "Token ")
	}
	if _, password, ok := r.BasicAuth(); ok {
		return password
	}
	return ""
}
