package player

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tandem/internal/playlist"
	"tandem/internal/state"
	"tandem/pkg/models"
)

// PrepareKey is shared by every creator that picks a new current item; a
// newer one cancels the one in flight.
const PrepareKey = "prepare-track"

// PrepareNewTrack makes a queue slot the current item, stacking the
// eligible addons in front of it.
type PrepareNewTrack struct {
	m               *Machine
	Hash            string
	PlayImmediately bool
	Origin          state.Origin
}

// PrepareNewTrack builds the creator for switching to the slot hash.
func (m *Machine) PrepareNewTrack(hash string, playImmediately bool, origin state.Origin) *PrepareNewTrack {
	return &PrepareNewTrack{m: m, Hash: hash, PlayImmediately: playImmediately, Origin: origin}
}

func (c *PrepareNewTrack) SupersedeKey() string { return PrepareKey }

// Prepare pauses the outgoing item at the start so controls respond before
// the addon lookup finishes.
func (c *PrepareNewTrack) Prepare(s S) S {
	return stopCurrent(s, c.Origin)
}

func (c *PrepareNewTrack) Resolve(ctx context.Context, s S, emit func(S)) error {
	return c.m.prepare(ctx, s, emit, c.Hash, c.PlayImmediately, c.Origin)
}

func stopCurrent(s S, origin state.Origin) S {
	return s.WithTrackState(state.TrackState{Origin: origin})
}

func (m *Machine) prepare(ctx context.Context, s S, emit func(S), hash string, play bool, origin state.Origin) error {
	slot, ok := s.Playlist.Slot(hash)
	if !ok {
		return fmt.Errorf("prepare slot %s: %w", hash, playlist.ErrSlotNotFound)
	}

	addons := m.addonsFor(ctx, slot.Track)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(addons) > 0 && origin == state.OriginOwn {
		m.markPlayed(ctx, addons[0], slot.Track)
	}

	stack := slices.Clone(addons)
	slices.Reverse(stack)

	ts := state.TrackState{Origin: origin, IsPlaying: play && !s.Blocked}
	if len(stack) == 0 {
		ts.Progress = startOffset(s, hash)
	}
	emit(s.WithCurrent(&state.CurrentItem{
		ActiveHash: hash,
		Addons:     stack,
		State:      ts,
	}))
	return nil
}

// addonsFor collects the per-track and per-artist candidates concurrently and
// filters them. Any failure or timeout yields no addons.
func (m *Machine) addonsFor(ctx context.Context, track models.Track) []models.Addon {
	if m.catalog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.AddonTimeout)
	defer cancel()

	log := m.logger.WithField("track_id", track.ID)

	var perTrack, perArtist []models.Addon
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addons, err := m.catalog.FetchAddons(gctx, []int{track.ID})
		if err != nil {
			return fmt.Errorf("fetch track addons: %w", err)
		}
		perTrack = addons
		return nil
	})
	if track.ArtistID != 0 {
		g.Go(func() error {
			addons, err := m.catalog.FetchArtistAddons(gctx, track.ArtistID)
			if err != nil {
				return fmt.Errorf("fetch artist addons: %w", err)
			}
			perArtist = addons
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("Addon lookup failed, playing without addons")
		return nil
	}

	candidates := append(perTrack, perArtist...)
	if len(candidates) == 0 {
		return nil
	}
	eligible, err := m.catalog.FilterEligibleAddons(ctx, candidates, track)
	if err != nil {
		log.WithError(err).Warn("Addon filtering failed, playing without addons")
		return nil
	}
	log.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"eligible":   len(eligible),
	}).Debug("Addons selected")
	return eligible
}

func (m *Machine) markPlayed(ctx context.Context, addon models.Addon, track models.Track) {
	if m.catalog == nil {
		return
	}
	if err := m.catalog.MarkAddonPlayed(ctx, addon, track); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"addon_id": addon.ID,
			"track_id": track.ID,
		}).Warn("Failed to mark addon as played")
	}
}

// ProceedToNextItem advances playback: the next addon if one is stacked,
// otherwise the following slot. At the end of the queue it does nothing.
type ProceedToNextItem struct {
	m      *Machine
	Origin state.Origin
}

// ProceedToNextItem builds the creator for advancing playback.
func (m *Machine) ProceedToNextItem(origin state.Origin) *ProceedToNextItem {
	return &ProceedToNextItem{m: m, Origin: origin}
}

func (c *ProceedToNextItem) Resolve(ctx context.Context, s S, emit func(S)) error {
	if s.Current == nil {
		return nil
	}
	if len(s.Current.Addons) > 0 {
		return c.m.popAddon(ctx, s, emit, c.Origin)
	}

	n, err := activeNode(s)
	if err != nil {
		return err
	}
	if n.Next == "" {
		return nil
	}
	emit(stopCurrent(s, c.Origin))
	return c.m.prepare(ctx, s, emit, n.Next, s.Current.State.IsPlaying, c.Origin)
}

// popAddon drops the finished addon. Addons are marked played when they
// start, so the one revealed underneath is marked here and the popped one,
// already marked when it began, is not marked again.
func (m *Machine) popAddon(ctx context.Context, s S, emit func(S), origin state.Origin) error {
	item := *s.Current
	item.Addons = slices.Clone(item.Addons[:len(item.Addons)-1])
	item.State = state.TrackState{
		Origin:    origin,
		IsPlaying: s.Current.State.IsPlaying && !s.Blocked,
	}

	if next, ok := item.TopAddon(); ok {
		if origin == state.OriginOwn {
			track, _ := s.Playlist.Slot(item.ActiveHash)
			m.markPlayed(ctx, next, track.Track)
		}
	} else {
		item.State.Progress = startOffset(s, item.ActiveHash)
	}
	emit(s.WithCurrent(&item))
	return nil
}

// GetBackToPreviousItem switches to the preceding slot. Stacked addons are
// not revisited. At the head of the queue it does nothing.
type GetBackToPreviousItem struct {
	m      *Machine
	Origin state.Origin
}

// GetBackToPreviousItem builds the creator for stepping back.
func (m *Machine) GetBackToPreviousItem(origin state.Origin) *GetBackToPreviousItem {
	return &GetBackToPreviousItem{m: m, Origin: origin}
}

func (c *GetBackToPreviousItem) Resolve(ctx context.Context, s S, emit func(S)) error {
	if s.Current == nil {
		return nil
	}
	n, err := activeNode(s)
	if err != nil {
		return err
	}
	if n.Previous == "" {
		return nil
	}
	emit(stopCurrent(s, c.Origin))
	return c.m.prepare(ctx, s, emit, n.Previous, s.Current.State.IsPlaying, c.Origin)
}
