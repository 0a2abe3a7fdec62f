package syncer

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"tandem/internal/player"
	"tandem/internal/playlist"
	"tandem/internal/relay"
	"tandem/internal/state"
	"tandem/pkg/models"
)

func (s *Syncer) receive(ctx context.Context) error {
	inbound := s.channel.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-inbound:
			if !ok {
				return relay.ErrClosed
			}
			log := s.logger.WithFields(logrus.Fields{
				"command": cmd.Key(),
				"device":  cmd.Device,
			})
			if err := s.handle(ctx, cmd); err != nil {
				log.WithError(err).Warn("Failed to handle relay command")
				continue
			}
			log.Debug("Handled relay command")
		}
	}
}

var errUnknownCommand = errors.New("unknown command")

// handle turns one peer command into alien-tagged actions, or answers it.
func (s *Syncer) handle(ctx context.Context, cmd relay.Command) error {
	d := s.dispatcher

	switch cmd.Key() {
	case relay.ChannelUpdate + "/" + relay.CommandPlaylist:
		var patch playlist.Patch
		if err := cmd.Decode(&patch); err != nil {
			return err
		}
		d.DispatchCreator(s.machine.ApplyRemotePatch(patch))

	case relay.ChannelUpdate + "/" + relay.CommandResync:
		return s.sendSnapshot(ctx)

	case relay.ChannelUpdate + "/" + relay.CommandSnapshot:
		var snap relay.Snapshot
		if err := cmd.Decode(&snap); err != nil {
			return err
		}
		d.DispatchCreator(s.machine.ReplacePlaylist(snap.Nodes, snap.Tracks))

	case relay.ChannelCurrentTrack + "/" + relay.CommandSetState:
		var ts relay.TrackState
		if err := cmd.Decode(&ts); err != nil {
			return err
		}
		d.Dispatch(player.ChangeTrackState{Progress: ts.ProgressDuration(), IsPlaying: ts.IsPlaying})

	case relay.ChannelCurrentTrack + "/" + relay.CommandSetActive:
		var active relay.Active
		if err := cmd.Decode(&active); err != nil {
			return err
		}
		d.DispatchCreator(s.machine.PrepareNewTrack(active.OrderHash, active.IsPlaying, state.OriginAlien))

	case relay.ChannelPlayer + "/" + relay.CommandBlock:
		var block relay.Block
		if err := cmd.Decode(&block); err != nil {
			return err
		}
		d.Dispatch(player.SetBlocked{Blocked: block.Blocked})

	case relay.ChannelAddons + "/" + relay.CommandChecked:
		var checked relay.AddonsChecked
		if err := cmd.Decode(&checked); err != nil {
			return err
		}
		d.Dispatch(player.AddonsChecked{ActiveHash: checked.OrderHash, Played: checked.Played})

	case relay.ChannelPreview + "/" + relay.CommandTimeMap:
		var tm relay.TimeMap
		if err := cmd.Decode(&tm); err != nil {
			return err
		}
		d.Dispatch(player.SetPreviewTimes{Times: tm.Durations()})

	case relay.ChannelTracks + "/" + relay.CommandFetch:
		var req relay.Fetch
		if err := cmd.Decode(&req); err != nil {
			return err
		}
		tracks := s.lookup(ctx, req.TrackIDs)
		if len(tracks) == 0 {
			return nil
		}
		return s.send(ctx, relay.ChannelTracks, relay.CommandResolved, relay.Resolved{
			RequestID: req.RequestID,
			Tracks:    tracks,
		})

	case relay.ChannelTracks + "/" + relay.CommandResolved:
		var res relay.Resolved
		if err := cmd.Decode(&res); err != nil {
			return err
		}
		s.mu.Lock()
		answer, ok := s.pending[res.RequestID]
		s.mu.Unlock()
		if ok {
			select {
			case answer <- res.Tracks:
			default: // another peer answered first
			}
		}

	default:
		return errUnknownCommand
	}
	return nil
}

func (s *Syncer) sendSnapshot(ctx context.Context) error {
	pl := s.dispatcher.State().Playlist
	tracks := make([]models.Track, 0, pl.Len())
	for _, t := range pl.Tracks() {
		tracks = append(tracks, t)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	return s.send(ctx, relay.ChannelUpdate, relay.CommandSnapshot, relay.Snapshot{
		Nodes:  pl.Snapshot(),
		Tracks: tracks,
	})
}

// lookup resolves what it can from the queue's cache, then from local.
func (s *Syncer) lookup(ctx context.Context, ids []int) []models.Track {
	pl := s.dispatcher.State().Playlist
	var found []models.Track
	var rest []int
	for _, id := range ids {
		if t, ok := pl.Track(id); ok {
			found = append(found, t)
		} else {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 || s.local == nil {
		return found
	}
	more, err := s.local.FetchTracksByIDs(ctx, rest)
	if err != nil {
		s.logger.WithError(err).Warn("Local metadata lookup failed")
		return found
	}
	return append(found, more...)
}
