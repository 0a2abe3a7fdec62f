package media

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tandem/internal/player"
	"tandem/internal/state"
)

// DefaultSeekThreshold is the drift between the engine and the snapshot
// below which no seek is issued.
const DefaultSeekThreshold = 50 * time.Millisecond

// Bridge keeps an Engine in step with the dispatcher's snapshot.
type Bridge struct {
	dispatcher *player.Dispatcher
	machine    *player.Machine
	engine     Engine
	logger     logrus.FieldLogger
	threshold  time.Duration

	loaded  item
	playing bool
}

// item identifies what the engine has loaded: a slot, and the addon in
// front of it if one is playing.
type item struct {
	hash    string
	addonID int
	url     string
}

// NewBridge creates a bridge. A zero threshold selects DefaultSeekThreshold.
func NewBridge(d *player.Dispatcher, m *player.Machine, engine Engine, threshold time.Duration, logger logrus.FieldLogger) *Bridge {
	if threshold <= 0 {
		threshold = DefaultSeekThreshold
	}
	return &Bridge{
		dispatcher: d,
		machine:    m,
		engine:     engine,
		logger:     logger.WithField("component", "media"),
		threshold:  threshold,
	}
}

// Run mirrors snapshot changes into the engine and engine events into the
// dispatcher until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.dispatcher.Subscribe()
	defer b.dispatcher.Unsubscribe(sub)

	b.apply(ctx, state.AppState{}, b.dispatcher.State())

	events := b.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-sub.C:
			if !ok {
				return nil
			}
			b.apply(ctx, change.Prev, change.Next)
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("media engine closed its event stream")
			}
			b.handleEvent(ev)
		}
	}
}

func (b *Bridge) handleEvent(ev Event) {
	switch ev.Kind {
	case EventTick:
		if b.loaded.url == "" {
			return
		}
		b.dispatcher.Dispatch(player.OrganicProgress{Progress: ev.Position})
	case EventEnded:
		if b.loaded.url == "" {
			return
		}
		b.logger.WithField("slot", b.loaded.hash).Debug("Item finished")
		b.dispatcher.DispatchCreator(b.machine.ProceedToNextItem(state.OriginOwn))
	}
}

// apply drives the engine toward next. prev is what the previous call saw.
func (b *Bridge) apply(ctx context.Context, prev, next state.AppState) {
	want := target(next)
	log := b.logger.WithFields(logrus.Fields{"slot": want.hash, "addon_id": want.addonID})

	if want != b.loaded {
		if want.url == "" {
			b.setPlaying(ctx, false)
			b.loaded = want
			return
		}
		if err := b.engine.Load(ctx, want.url); err != nil {
			log.WithError(err).Error("Failed to load item")
			return
		}
		log.WithField("url", want.url).Info("Loaded item")
		b.loaded = want
		b.playing = false
		if p := next.Current.State.Progress; p > 0 {
			b.seek(ctx, p)
		}
		b.setPlaying(ctx, shouldPlay(next))
		return
	}

	if want.url == "" {
		return
	}
	b.setPlaying(ctx, shouldPlay(next))

	ts := next.Current.State
	if ts.SuppressEcho || prev.Current == nil || prev.Current.State.Progress == ts.Progress {
		return
	}
	if drift := ts.Progress - b.engine.Position(); drift > b.threshold || drift < -b.threshold {
		b.seek(ctx, ts.Progress)
	}
}

func (b *Bridge) setPlaying(ctx context.Context, play bool) {
	if play == b.playing {
		return
	}
	var err error
	if play {
		err = b.engine.Play(ctx)
	} else {
		err = b.engine.Pause(ctx)
	}
	if err != nil {
		b.logger.WithError(err).WithField("play", play).Error("Failed to change playback")
		return
	}
	b.playing = play
}

func (b *Bridge) seek(ctx context.Context, position time.Duration) {
	if err := b.engine.Seek(ctx, position); err != nil {
		b.logger.WithError(err).WithField("position", position).Error("Failed to seek")
	}
}

func shouldPlay(s state.AppState) bool {
	return s.Current != nil && s.Current.State.IsPlaying && !s.Blocked
}

// target is the item the snapshot says should be loaded. Its URL is empty
// when nothing should play or the track's metadata is still pending.
func target(s state.AppState) item {
	if s.Current == nil {
		return item{}
	}
	it := item{hash: s.Current.ActiveHash}
	if addon, ok := s.Current.TopAddon(); ok {
		it.addonID = addon.ID
		it.url = addon.URL
		return it
	}
	if slot, ok := s.ActiveSlot(); ok && !slot.Pending {
		it.url = slot.Track.URL
	}
	return it
}
