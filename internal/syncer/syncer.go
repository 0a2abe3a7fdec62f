// Package syncer mirrors the application snapshot between the devices of an
// account. Changes made on this device are forwarded to the relay; commands
// from peers are dispatched as alien-tagged actions and never forwarded back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tandem/internal/player"
	"tandem/internal/playlist"
	"tandem/internal/relay"
	"tandem/internal/state"
	"tandem/pkg/models"
)

// DefaultResyncInterval is the minimum gap between two resync requests.
const DefaultResyncInterval = 2 * time.Second

// Syncer connects a dispatcher to a relay channel.
type Syncer struct {
	dispatcher *player.Dispatcher
	machine    *player.Machine
	channel    relay.Channel
	local      player.TrackFetcher
	logger     logrus.FieldLogger

	resyncInterval time.Duration
	resync         chan struct{}
	lastResync     time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]chan []models.Track
}

// New creates a syncer. local answers metadata requests from peers beyond
// what the queue's own track cache holds; it may be nil.
func New(d *player.Dispatcher, m *player.Machine, ch relay.Channel, local player.TrackFetcher, logger logrus.FieldLogger) *Syncer {
	return &Syncer{
		dispatcher:     d,
		machine:        m,
		channel:        ch,
		local:          local,
		logger:         logger.WithField("component", "syncer"),
		resyncInterval: DefaultResyncInterval,
		resync:         make(chan struct{}, 1),
		pending:        make(map[uuid.UUID]chan []models.Track),
	}
}

// Run forwards and receives until ctx ends or the relay channel closes.
func (s *Syncer) Run(ctx context.Context) error {
	s.dispatcher.OnError(func(op string, err error) {
		if playlist.NeedsResync(err) {
			s.logger.WithError(err).WithField("op", op).Warn("Queue diverged from peers")
			select {
			case s.resync <- struct{}{}:
			default:
			}
		}
	})

	sub := s.dispatcher.Subscribe()
	defer s.dispatcher.Unsubscribe(sub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.forward(ctx, sub) })
	g.Go(func() error { return s.receive(ctx) })
	return g.Wait()
}

// FetchTracksByIDs asks the peers for metadata and waits for the first
// answer.
func (s *Syncer) FetchTracksByIDs(ctx context.Context, ids []int) ([]models.Track, error) {
	req := relay.Fetch{RequestID: uuid.New(), TrackIDs: ids}
	answer := make(chan []models.Track, 1)

	s.mu.Lock()
	s.pending[req.RequestID] = answer
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
	}()

	if err := s.send(ctx, relay.ChannelTracks, relay.CommandFetch, req); err != nil {
		return nil, err
	}
	select {
	case tracks := <-answer:
		return tracks, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for track metadata: %w", ctx.Err())
	}
}

func (s *Syncer) send(ctx context.Context, channel, command string, payload any) error {
	cmd, err := relay.NewCommand(channel, command, payload)
	if err != nil {
		return err
	}
	if err := s.channel.Send(ctx, cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Key(), err)
	}
	s.logger.WithField("command", cmd.Key()).Debug("Sent relay command")
	return nil
}

func (s *Syncer) forward(ctx context.Context, sub *player.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resync:
			s.requestResync(ctx)
		case change, ok := <-sub.C:
			if !ok {
				return nil
			}
			for _, out := range outgoing(change.Prev, change.Next) {
				if err := s.send(ctx, out.channel, out.command, out.payload); err != nil {
					if errors.Is(err, relay.ErrClosed) {
						return err
					}
					s.logger.WithError(err).Warn("Failed to forward change")
				}
			}
		}
	}
}

func (s *Syncer) requestResync(ctx context.Context) {
	if time.Since(s.lastResync) < s.resyncInterval {
		return
	}
	s.lastResync = time.Now()
	if err := s.send(ctx, relay.ChannelUpdate, relay.CommandResync, struct{}{}); err != nil {
		s.logger.WithError(err).Warn("Failed to request resync")
	}
}

type message struct {
	channel string
	command string
	payload any
}

// outgoing lists the commands announcing this device's own changes between
// prev and next.
func outgoing(prev, next state.AppState) []message {
	var out []message

	if p := next.LastPatch; p != nil && p != prev.LastPatch && p.Origin == state.OriginOwn && !p.Patch.IsEmpty() {
		out = append(out, message{relay.ChannelUpdate, relay.CommandPlaylist, p.Patch})
	}

	cur := next.Current
	if cur == nil || cur.State.Origin != state.OriginOwn {
		return out
	}
	old := prev.Current

	if old == nil || old.ActiveHash != cur.ActiveHash {
		out = append(out, message{relay.ChannelCurrentTrack, relay.CommandSetActive, relay.Active{
			OrderHash: cur.ActiveHash,
			IsPlaying: cur.State.IsPlaying,
		}})
	} else if played := droppedAddons(old.Addons, cur.Addons); len(played) > 0 {
		out = append(out, message{relay.ChannelAddons, relay.CommandChecked, relay.AddonsChecked{
			OrderHash: cur.ActiveHash,
			Played:    played,
		}})
	}

	if !cur.State.SuppressEcho && (old == nil || old.State != cur.State || old.ActiveHash != cur.ActiveHash) {
		out = append(out, message{relay.ChannelCurrentTrack, relay.CommandSetState, relay.TrackState{
			Progress:  cur.State.Progress.Seconds(),
			IsPlaying: cur.State.IsPlaying,
		}})
	}
	return out
}

func droppedAddons(before, after []models.Addon) []int {
	var ids []int
	for _, a := range before {
		if !slices.ContainsFunc(after, func(b models.Addon) bool { return b.ID == a.ID }) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
