package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tandem/internal/config"
	"tandem/internal/player"
	"tandem/pkg/models"
)

// TrackSource resolves the tracks a client asks to queue.
type TrackSource interface {
	FetchTracksByIDs(ctx context.Context, ids []int) ([]models.Track, error)
}

// Library is the searchable local catalog.
type Library interface {
	GetAllTracks() ([]models.Track, error)
	SearchTracks(query string) ([]models.Track, error)
	Ping() error
}

// ControlServer exposes the player over a local HTTP API.
type ControlServer struct {
	config     *config.Config
	dispatcher *player.Dispatcher
	machine    *player.Machine
	tracks     TrackSource
	library    Library
	logger     logrus.FieldLogger
	started    time.Time
	router     chi.Router
}

// NewControlServer builds the server and its routes.
func NewControlServer(cfg *config.Config, d *player.Dispatcher, m *player.Machine, tracks TrackSource, library Library, logger logrus.FieldLogger) *ControlServer {
	cs := &ControlServer{
		config:     cfg,
		dispatcher: d,
		machine:    m,
		tracks:     tracks,
		library:    library,
		logger:     logger.WithField("component", "server"),
		started:    time.Now(),
	}
	cs.router = cs.routes()
	return cs
}

// Handler returns the root HTTP handler.
func (cs *ControlServer) Handler() http.Handler {
	return cs.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (cs *ControlServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        cs.config.GetAddress(),
		Handler:     cs.router,
		ReadTimeout: time.Duration(cs.config.Server.ReadTimeout) * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		cs.logger.WithField("address", srv.Addr).Info("Control API listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (cs *ControlServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cs.panicRecoveryMiddleware)
	r.Use(cs.requestLoggingMiddleware)

	r.Get("/health", cs.handleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", cs.handleGetState)
		r.Get("/tracks", cs.handleGetTracks)

		r.Route("/player", func(r chi.Router) {
			r.Post("/play", cs.handleTransport(player.Play{}))
			r.Post("/pause", cs.handleTransport(player.Pause{}))
			r.Post("/toggle", cs.handleTransport(player.Switch{}))
			r.Post("/scrub", cs.handleScrub)
			r.Post("/next", cs.handleNext)
			r.Post("/previous", cs.handlePrevious)
			r.Post("/select", cs.handleSelect)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", cs.handleGetQueue)
			r.Post("/", cs.handleInsert)
			r.Delete("/{hash}", cs.handleDelete)
			r.Post("/{hash}/move", cs.handleMove)
		})
	})

	return r
}
