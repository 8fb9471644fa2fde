// Package supervisor runs the server's long-lived services under a suture
// tree, so that a crashed service is restarted without taking down the
// others.
package supervisor

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"github.com/sidkik/emsync/pkg/errors"
)

// Config tunes the restart behaviour of every supervisor in the tree.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns suture's own defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree groups the services into layers that restart independently.
//   - transfer: the registry's reconciliation loop
//   - messaging: the websocket hub and the Redis publisher
//   - api: the HTTP server
type Tree struct {
	root      *suture.Supervisor
	transfer  *suture.Supervisor
	messaging *suture.Supervisor
	api       *suture.Supervisor
}

// New creates an empty Tree.
func New(config Config) *Tree {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	spec := suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("emsync", spec),
		transfer:  suture.New("transfer", spec),
		messaging: suture.New("messaging", spec),
		api:       suture.New("api", spec),
	}
	t.root.Add(t.transfer)
	t.root.Add(t.messaging)
	t.root.Add(t.api)
	return t
}

// AddTransfer adds a service to the transfer layer.
func (t *Tree) AddTransfer(svc suture.Service) suture.ServiceToken {
	return t.transfer.Add(svc)
}

// AddMessaging adds a service to the messaging layer.
func (t *Tree) AddMessaging(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddAPI adds a service to the API layer.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a new goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func logEvent(event suture.Event) {
	entry := log.WithFields(log.Fields(event.Map()))
	switch event.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
		entry.Warn("Service failed")
	case suture.EventTypeBackoff:
		entry.Warn("Service is failing repeatedly. Backing off.")
	case suture.EventTypeStopTimeout:
		entry.Warn("Service didn't stop in time")
	default:
		entry.Debug(event.String())
	}
}

// HTTPServer is the part of http.Server that HTTPService uses.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a suture service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve runs the server until ctx is cancelled, and then shuts it down
// gracefully.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.WithContext(err, "serve http")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return errors.WithContext(err, "shutdown http")
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string {
	return "http server"
}
