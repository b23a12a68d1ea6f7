package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/shivangiamit/hackathon/internal/metrics"
	"github.com/shivangiamit/hackathon/internal/middleware"
	"github.com/shivangiamit/hackathon/internal/tracing"
)

// routes builds the router. Order, outermost first: tracing, CORS, panic
// recovery, request metrics, then API key and rate limit on /api and /ws.
func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	// Probes and metrics
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// REST API
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.APIKey(s.config.APIKey), s.limiter.Middleware)
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/farmers/{id}/readings", s.handleIngestReading).Methods(http.MethodPost)
	api.HandleFunc("/farmers/{id}/irrigation", s.handleIrrigation).Methods(http.MethodPost)
	api.HandleFunc("/farmers/{id}/profile", s.handleGetProfile).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/outcome", s.handleOutcome).Methods(http.MethodPost)

	// Live pipeline stream
	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(middleware.APIKey(s.config.APIKey), s.limiter.Middleware)
	ws.HandleFunc("/queries", s.handleWebSocket).Methods(http.MethodGet)

	router.Use(middleware.Recover(s.log))
	router.Use(instrument)

	origins := s.config.origins()
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.APIKeyHeader},
		ExposedHeaders: []string{tracing.TraceIDHeader},
		MaxAge:         300,
	})
	return tracing.Middleware(c.Handler(router))
}

// instrument counts requests by route template and status code.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rw.statusCode)).Inc()
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
