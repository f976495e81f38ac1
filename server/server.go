// Package server is the HTTP surface of the authorization server. It parses
// requests, runs them through the grant engine, and renders the results as
// pages, redirects or JSON.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"lds.li/authserver/account"
	"lds.li/authserver/discovery"
	"lds.li/authserver/grant"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/internal/metrics"
)

const (
	ClientCreatePath     = "/client/create"
	UserCreatePath       = "/users/create"
	UserAuthenticatePath = "/users/authenticate"
	UserActivatePath     = "/users/activate"
	MetricsPath          = "/metrics"
)

type Config struct {
	Config    config.Config
	Engine    *grant.Engine
	Discovery *discovery.Handler
	// Metrics are served and recorded if set.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg      config.Config
	engine   *grant.Engine
	accounts *account.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	router   chi.Router
}

var _ http.Handler = (*Server)(nil)

func New(c Config) (*Server, error) {
	if c.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if c.Discovery == nil {
		return nil, errors.New("discovery handler is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		cfg:      c.Config,
		engine:   c.Engine,
		accounts: c.Engine.Accounts(),
		metrics:  c.Metrics,
		logger:   c.Logger,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.logRequests,
		middleware.Recoverer,
		s.corsHandler(),
	)

	r.Get("/", s.index)
	r.Get(c.Config.AliveEndpoint, s.alive)

	r.Get(c.Config.AuthorizationEndpoint, s.authorize)
	r.Post(c.Config.AllowEndpoint, s.allow)
	r.Post(c.Config.AccessTokenEndpoint, s.token)
	r.Get(c.Config.UserinfoEndpoint, s.userinfo)
	r.Post(c.Config.UserinfoEndpoint, s.userinfo)

	for _, p := range c.Discovery.Paths() {
		r.Method(http.MethodGet, p, c.Discovery)
	}

	r.Post(ClientCreatePath, s.createClient)
	r.Post(UserCreatePath, s.createUser)
	r.Post(UserAuthenticatePath, s.authenticateUser)
	r.Post(UserActivatePath, s.activateUser)

	if c.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, c.Metrics.Handler())
	}

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) alive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Success!"))
}
