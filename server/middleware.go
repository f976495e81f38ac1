package server

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// logRequests logs each request once it completes, and counts it by route.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.metrics != nil {
			s.metrics.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		}
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"request-id", middleware.GetReqID(r.Context()),
		)
	})
}

// corsHandler returns the CORS middleware for the configured allow-list.
// Allowed origins are echoed back with credentials allowed, other origins are
// rejected. Requests without an origin pass, and the null origin and the
// issuer's own origin are always allowed. An empty allow-list disables CORS
// handling.
func (s *Server) corsHandler() func(http.Handler) http.Handler {
	if len(s.cfg.CORSAllowList) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	own := ""
	if u, err := url.Parse(s.cfg.Issuer); err == nil {
		own = u.Scheme + "://" + u.Host
	}
	allowed := func(_ *http.Request, origin string) bool {
		return origin == "null" || origin == own || slices.Contains(s.cfg.CORSAllowList, origin)
	}
	handler := cors.Handler(cors.Options{
		AllowOriginFunc:  allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	return func(next http.Handler) http.Handler {
		withCORS := handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && !allowed(r, origin) {
				s.logger.WarnContext(r.Context(), "rejected cross origin request", "origin", origin)
				http.Error(w, "Not allowed by CORS", http.StatusForbidden)
				return
			}
			withCORS.ServeHTTP(w, r)
		})
	}
}
