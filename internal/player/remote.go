package player

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tandem/internal/dispatch"
	"tandem/internal/playlist"
	"tandem/internal/state"
	"tandem/pkg/models"
)

// ApplyRemotePatch merges a playlist patch received from a peer. Ordering
// is applied at once; metadata for unknown tracks is fetched by Run
// afterwards and those slots read as pending until it arrives. A patch that
// would break the list is rejected and the queue is left as it was.
type ApplyRemotePatch struct {
	m     *Machine
	Patch playlist.Patch

	err error
}

// ApplyRemotePatch builds the creator for an inbound patch.
func (m *Machine) ApplyRemotePatch(patch playlist.Patch) *ApplyRemotePatch {
	return &ApplyRemotePatch{m: m, Patch: patch}
}

func (c *ApplyRemotePatch) Prepare(s S) S {
	if c.Patch.IsEmpty() {
		return s
	}
	if err := s.Playlist.Apply(c.Patch).Validate(); err != nil {
		c.err = fmt.Errorf("apply remote patch: %w", err)
		return s
	}
	return reconcileCurrent(s.WithPatch(c.Patch, state.OriginAlien))
}

func (c *ApplyRemotePatch) Resolve(ctx context.Context, s S, emit func(S)) error {
	if c.err != nil {
		return c.err
	}
	c.m.requestMetadata(s)
	return nil
}

// ReplacePlaylist converges the queue on a full snapshot sent by a peer in
// answer to a resync request. The change is recorded as an ordinary patch.
type ReplacePlaylist struct {
	m        *Machine
	Snapshot playlist.Patch
	Tracks   []models.Track

	err error
}

// ReplacePlaylist builds the creator for an inbound snapshot.
func (m *Machine) ReplacePlaylist(snapshot playlist.Patch, tracks []models.Track) *ReplacePlaylist {
	return &ReplacePlaylist{m: m, Snapshot: snapshot, Tracks: tracks}
}

func (c *ReplacePlaylist) Prepare(s S) S {
	patch := s.Playlist.ReplacePatch(c.Snapshot)
	if !patch.IsEmpty() {
		if err := s.Playlist.Apply(patch).Validate(); err != nil {
			c.err = fmt.Errorf("replace playlist: %w", err)
			return s
		}
	}
	s = s.WithTracks(c.Tracks...)
	if patch.IsEmpty() {
		return s
	}
	return reconcileCurrent(s.WithPatch(patch, state.OriginAlien))
}

func (c *ReplacePlaylist) Resolve(ctx context.Context, s S, emit func(S)) error {
	if c.err != nil {
		return c.err
	}
	c.m.requestMetadata(s)
	return nil
}

// TracksResolved adds metadata fetched for pending slots to the cache.
type TracksResolved struct {
	Tracks []models.Track
}

func (a TracksResolved) Reduce(s S) (S, error) {
	return s.WithTracks(a.Tracks...), nil
}

// requestMetadata wakes Run when the queue references tracks the cache
// lacks. Requests made while a fetch is running collapse into one.
func (m *Machine) requestMetadata(s S) {
	if m.tracks == nil || len(s.Playlist.MissingTrackIDs()) == 0 {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run fetches metadata for the tracks peers added to the queue until ctx
// ends. Fetches happen outside the dispatch loop; each answer is dispatched
// to d as TracksResolved. A failed fetch is retried on the next patch.
func (m *Machine) Run(ctx context.Context, d *Dispatcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
			m.fillMetadata(ctx, d)
		}
	}
}

func (m *Machine) fillMetadata(ctx context.Context, d *Dispatcher) {
	missing := d.State().Playlist.MissingTrackIDs()
	if len(missing) == 0 {
		return
	}
	log := m.logger.WithField("requested", len(missing))

	fetchCtx, cancel := context.WithTimeout(ctx, m.config.MetadataTimeout)
	tracks, err := m.tracks.FetchTracksByIDs(fetchCtx, missing)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Failed to fetch track metadata")
		return
	}
	if len(tracks) < len(missing) {
		log.WithFields(logrus.Fields{"resolved": len(tracks)}).Warn("Some track metadata is still pending")
	}
	if len(tracks) == 0 {
		return
	}
	if err := dispatch.Await(ctx, d.Dispatch(TracksResolved{Tracks: tracks})); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("Failed to store track metadata")
	}
}
