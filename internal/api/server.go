package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/auth"
	"github.com/vstride/vstride-bridge/internal/config"
	"github.com/vstride/vstride-bridge/internal/models"
	"github.com/vstride/vstride-bridge/internal/signals"
	"github.com/vstride/vstride-bridge/internal/storage"
	"github.com/vstride/vstride-bridge/internal/validation"
)

const recentEvents = 100

// StatusSource reports the live state of the bridge.
type StatusSource interface {
	Status() models.Status
}

// StatusFunc adapts a function to StatusSource.
type StatusFunc func() models.Status

func (f StatusFunc) Status() models.Status { return f() }

type contextKey string

const claimsKey contextKey = "claims"

// RESTServer represents the REST API server
type RESTServer struct {
	config *config.Config
	status StatusSource
	store  storage.Store
	auth   *auth.JWTManager
	login  *auth.Authenticator
	stop   *signals.Manual
	router chi.Router
	server *http.Server

	validator *validation.Validator

	mu         sync.Mutex
	events     []models.Event
	lastSample time.Time
	now        func() time.Time
}

// NewRESTServer creates a new REST API server. store may be nil when run
// history is disabled; stop is fired by POST /shutdown.
func NewRESTServer(cfg *config.Config, status StatusSource, store storage.Store, stop *signals.Manual) *RESTServer {
	s := &RESTServer{
		config: cfg,
		status: status,
		store:  store,
		auth:   auth.NewJWTManager(&cfg.JWT),
		login:  auth.NewAuthenticator(cfg.API.OperatorUser, cfg.API.OperatorPasswordHash),
		stop:   stop,
		router: chi.NewRouter(),
		now:    time.Now,

		validator: validation.NewValidator(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	origins := s.config.API.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *RESTServer) OnSample(sample models.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSample = sample.At
}

func (s *RESTServer) OnEvent(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if len(s.events) > recentEvents {
		s.events = append(s.events[:0:0], s.events[len(s.events)-recentEvents:]...)
	}
}

func (s *RESTServer) recent() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("api request")
	})
}
