// Package server sets up the HTTP router, middleware, and top-level
// routes: the fragment pipeline itself, plus the liveness, metrics, and
// client-bootstrap routes a runnable deployment needs around it.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fragserv/fragserv/internal/bootstrap"
)

// Server holds the HTTP router. Unlike an Express app, which tends to
// accumulate attached services (db, cache, auth) as fields over time,
// everything this router needs — the fetchers, the shared http.Client,
// the event sink — already lives inside frag, the handler passed to
// New. Server's only job is routing requests to it or around it.
type Server struct {
	router chi.Router
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler. This is Go's equivalent of a
// constructor — the convention is to name it New when the package name
// already tells you what you're constructing (server.New → "new
// server").
//
// frag handles every request that isn't one of the ambient routes
// below — it's the composition pipeline (internal/fragserv.Handler) for
// every page request. registry is the Prometheus registry /metrics
// exposes.
func New(frag http.Handler, registry *prometheus.Registry) *Server {
	s := &Server{}
	s.routes(frag, registry)
	return s
}

// routes builds the chi router with all middleware and route
// definitions. This is conceptually like an Express app.use() /
// app.get() setup, but gathered in one method so the routing table is
// easy to scan: global middleware first, then the ambient routes, then
// the catch-all that delegates to the domain handler.
func (s *Server) routes(frag http.Handler, registry *prometheus.Registry) {
	r := chi.NewRouter()

	// --- Global middleware ---
	// middleware.Logger prints a log line for every request, similar to
	// morgan('dev') in Express: method, path, status, duration.
	r.Use(middleware.Logger)

	// middleware.Recoverer catches panics in handlers and turns them into
	// a 500 instead of crashing the whole process — the Go analogue of
	// an Express app.use((err, req, res, next) => ...) error handler.
	// Worth keeping in mind what it can't catch, though: recover() only
	// intercepts a panic. A runtime fatal error — the "fatal error:
	// concurrent map writes" you get from an unguarded map mutated by
	// two goroutines at once — is not a panic and walks straight past
	// this middleware, taking the process with it. That's exactly why
	// internal/metrics.Sink guards its own map with a mutex instead of
	// counting on Recoverer to paper over a race.
	r.Use(middleware.Recoverer)

	// --- Routes ---
	// /healthz and /metrics are the two routes any orchestrator (a load
	// balancer's health check, Prometheus's scrape loop) expects
	// regardless of what this server actually serves.
	// /_fragserv/bootstrap.js is effectively a static asset route — the
	// Go equivalent of Express's express.static for one bundled file.
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/_fragserv/bootstrap.js", s.handleBootstrap)

	// Every other path is a page request: hand it to the fragment
	// composition pipeline. chi's "/*" here plays the same role as a
	// trailing app.use(fragHandler) with no path prefix in Express —
	// whatever didn't match a route above lands here.
	r.Handle("/*", frag)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every
// incoming request flows through this method, and we just delegate to
// chi's router.
//
// This is what lets main.go pass our Server directly to
// http.Server{Handler: srv} — the stdlib only needs something with a
// ServeHTTP(ResponseWriter, *Request) method, and chi.Router already
// has one, so this method is one line.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth responds with a simple JSON liveness status — the Go
// equivalent of an Express app.get('/health', (req, res) =>
// res.json({status: 'ok'})). No dependency checks on purpose: this is a
// "process is alive and serving" probe, not a deep health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleBootstrap serves the embedded client-runtime reference script
// straight out of the binary — go:embed baked it in at compile time
// (see internal/bootstrap), so there's no disk read here at all. Think
// of it as Express serving a bundled asset from memory instead of from
// a static/ directory on disk.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", bootstrap.ContentType)
	w.Write(bootstrap.Script)
}
