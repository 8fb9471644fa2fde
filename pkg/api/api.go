// Package api exposes sessions, clients, rsync instances and multigrid
// discovery over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/multigrid"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/session"
)

// Registry is the part of registry.Registry that's served.
type Registry interface {
	Register(ctx context.Context, reg registry.Registration) (registry.Instance, error)
	Get(sessionID int64, source string) (registry.Instance, error)
	GetAll(sessionID int64) []registry.Instance
	Pause(ctx context.Context, sessionID int64, source string) (registry.Instance, error)
	Restart(ctx context.Context, sessionID int64, source string) (registry.Instance, error)
	Finalise(ctx context.Context, sessionID int64, source string) (registry.Instance, error)
	FlushSkipped(ctx context.Context, sessionID int64, source string) (registry.Instance, error)
	Skipped(sessionID int64, source string) ([]errors.TransientTransferError, error)
	Remove(ctx context.Context, sessionID int64, source string) error
}

// Sessions is the part of session.Manager that's served.
type Sessions interface {
	Create(ctx context.Context, sess session.Session) (session.Session, error)
	Get(sessionID int64) (session.Session, error)
	Start(ctx context.Context, sessionID int64) (session.Session, error)
	End(ctx context.Context, sessionID int64) error
	Connect() session.Client
	AttachClient(clientID string, sessionID int64) (session.Client, error)
	Disconnect(clientID string) error
}

// Watchers is the part of multigrid.Manager that's served.
type Watchers interface {
	StartWatcher(sessionID int64, req multigrid.WatchRequest) (multigrid.Status, error)
	Status(sessionID int64) (multigrid.Status, error)
	StopWatcher(sessionID int64) error
}

// Options are the dependencies of the API.
type Options struct {
	Registry Registry
	Sessions Sessions
	Watchers Watchers

	// Observers upgrades requests to websockets that stream instance
	// events.
	Observers http.HandlerFunc

	// Gatherer is served at /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	Version string
}

// Server routes requests to the registry, sessions and watchers.
type Server struct {
	opts     Options
	validate *validator.Validate
	router   chi.Router
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{opts: opts, validate: validator.New()}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/version", s.version)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	if s.opts.Observers != nil {
		r.Get("/ws", s.opts.Observers)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{sid}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/start", s.startSession)
			r.Delete("/", s.endSession)

			r.Route("/rsyncers", func(r chi.Router) {
				r.Get("/", s.listInstances)
				r.Post("/", s.registerInstance)
				r.Delete("/", s.removeInstance)
				r.Get("/skipped", s.listSkipped)
				r.Post("/{action}", s.instanceAction)
			})

			r.Route("/multigrid", func(r chi.Router) {
				r.Post("/", s.startWatcher)
				r.Get("/", s.watcherStatus)
				r.Delete("/", s.stopWatcher)
			})
		})
	})

	r.Route("/clients", func(r chi.Router) {
		r.Post("/", s.connectClient)
		r.Post("/{cid}/session", s.attachClient)
		r.Delete("/{cid}", s.disconnectClient)
	})
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": chimiddleware.GetReqID(r.Context()),
		}).Debug("Handled request")
	})
}

func sessionID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "sid")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.ValidationError{Field: "session id", Reason: "must be a positive integer"}
	}
	return id, nil
}
