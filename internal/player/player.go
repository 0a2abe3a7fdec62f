// Package player holds the playback and addon state machine: the concrete
// actions and action creators that move the application snapshot between
// "nothing playing", "addon playing" and "track playing".
package player

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"tandem/internal/dispatch"
	"tandem/internal/state"
	"tandem/pkg/models"
)

var (
	// ErrNoCurrentItem is returned by transport actions when nothing is loaded.
	ErrNoCurrentItem = errors.New("no current item")
	// ErrBlocked is returned when playback is requested on a blocked device.
	ErrBlocked = errors.New("playback is blocked")
)

// Dispatcher is the dispatch loop specialised to the application snapshot.
type Dispatcher = dispatch.Dispatcher[state.AppState]

// Subscription delivers snapshot changes from a Dispatcher.
type Subscription = dispatch.Subscription[state.AppState]

// NewDispatcher creates a dispatcher starting from the empty snapshot.
func NewDispatcher(logger logrus.FieldLogger, timeout time.Duration) *Dispatcher {
	opts := []dispatch.Option[state.AppState]{dispatch.WithLogger[state.AppState](logger)}
	if timeout > 0 {
		opts = append(opts, dispatch.WithTimeout[state.AppState](timeout))
	}
	return dispatch.New(state.Initial(), state.Equal, opts...)
}

// AddonCatalog supplies addon candidates and applies the listener's
// preferences to them.
type AddonCatalog interface {
	FetchAddons(ctx context.Context, trackIDs []int) ([]models.Addon, error)
	FetchArtistAddons(ctx context.Context, artistID int) ([]models.Addon, error)
	// FilterEligibleAddons returns the candidates that may play before track,
	// in play order.
	FilterEligibleAddons(ctx context.Context, candidates []models.Addon, track models.Track) ([]models.Addon, error)
	MarkAddonPlayed(ctx context.Context, addon models.Addon, track models.Track) error
}

// TrackFetcher resolves track metadata by ID. Unknown IDs are omitted from
// the result rather than reported as errors.
type TrackFetcher interface {
	FetchTracksByIDs(ctx context.Context, ids []int) ([]models.Track, error)
}

// Config tunes the asynchronous steps of the state machine.
type Config struct {
	AddonTimeout    time.Duration
	MetadataTimeout time.Duration
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		AddonTimeout:    3 * time.Second,
		MetadataTimeout: 10 * time.Second,
	}
}

// Machine builds the action creators that need external collaborators.
// Either collaborator may be nil: without a catalog no addons are played,
// without a fetcher missing metadata stays pending. Metadata is only
// fetched while Run is active.
type Machine struct {
	catalog AddonCatalog
	tracks  TrackFetcher
	config  Config
	logger  logrus.FieldLogger
	wake    chan struct{}
}

// New creates a state machine.
func New(catalog AddonCatalog, tracks TrackFetcher, cfg Config, logger logrus.FieldLogger) *Machine {
	defaults := DefaultConfig()
	if cfg.AddonTimeout <= 0 {
		cfg.AddonTimeout = defaults.AddonTimeout
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = defaults.MetadataTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Machine{
		catalog: catalog,
		tracks:  tracks,
		config:  cfg,
		logger:  logger.WithField("component", "player"),
		wake:    make(chan struct{}, 1),
	}
}
