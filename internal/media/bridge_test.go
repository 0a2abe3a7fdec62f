package media

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/dispatch"
	"tandem/internal/player"
	"tandem/internal/state"
	"tandem/pkg/models"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	position time.Duration
	events   chan Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan Event, 16)}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) Load(ctx context.Context, url string) error {
	e.mu.Lock()
	e.position = 0
	e.mu.Unlock()
	e.record("load " + url)
	return nil
}

func (e *fakeEngine) Play(ctx context.Context) error  { e.record("play"); return nil }
func (e *fakeEngine) Pause(ctx context.Context) error { e.record("pause"); return nil }

func (e *fakeEngine) Seek(ctx context.Context, position time.Duration) error {
	e.mu.Lock()
	e.position = position
	e.mu.Unlock()
	e.record(fmt.Sprintf("seek %s", position))
	return nil
}

func (e *fakeEngine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *fakeEngine) Events() <-chan Event { return e.events }

func (e *fakeEngine) tick(position time.Duration) {
	e.mu.Lock()
	e.position = position
	e.mu.Unlock()
	e.events <- Event{Kind: EventTick, Position: position}
}

func (e *fakeEngine) takeCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := e.calls
	e.calls = nil
	return calls
}

type harness struct {
	d       *player.Dispatcher
	machine *player.Machine
	engine  *fakeEngine
	slots   []string
}

func newHarness(t *testing.T, tracks ...models.Track) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	h := &harness{
		d:       player.NewDispatcher(logger, time.Second),
		machine: player.New(nil, nil, player.Config{}, logger),
		engine:  newFakeEngine(),
	}
	bridge := NewBridge(h.d, h.machine, h.engine, 0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = h.d.Run(ctx) }()
	go func() { defer wg.Done(); _ = bridge.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	h.await(t, h.d.Dispatch(player.InsertTracks{Tracks: tracks}))
	ordered, err := h.d.State().Playlist.OrderedTracks()
	require.NoError(t, err)
	for _, o := range ordered {
		h.slots = append(h.slots, o.OrderHash)
	}
	return h
}

func (h *harness) await(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not complete")
	}
}

// expectCalls waits for the bridge to issue want, in order.
func (h *harness) expectCalls(t *testing.T, want ...string) {
	t.Helper()
	var got []string
	assert.Eventually(t, func() bool {
		got = append(got, h.engine.takeCalls()...)
		return len(got) >= len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got)
}

func song(id int) models.Track {
	return models.Track{ID: id, Title: fmt.Sprintf("Song %d", id), URL: fmt.Sprintf("file:///%d.mp3", id)}
}

func TestBridgeLoadsAndPlaysNewItem(t *testing.T) {
	h := newHarness(t, song(1), song(2))

	h.await(t, h.d.DispatchCreator(h.machine.PrepareNewTrack(h.slots[0], true, state.OriginOwn)))
	h.expectCalls(t, "load file:///1.mp3", "play")

	h.await(t, h.d.Dispatch(player.Pause{}))
	h.expectCalls(t, "pause")
}

func TestOrganicTicksDoNotSeek(t *testing.T) {
	h := newHarness(t, song(1))
	h.await(t, h.d.DispatchCreator(h.machine.PrepareNewTrack(h.slots[0], true, state.OriginOwn)))
	h.expectCalls(t, "load file:///1.mp3", "play")

	h.engine.tick(5 * time.Second)
	assert.Eventually(t, func() bool {
		c := h.d.State().Current
		return c != nil && c.State.Progress == 5*time.Second
	}, time.Second, 5*time.Millisecond)

	s := h.d.State().Current.State
	assert.True(t, s.SuppressEcho)
	assert.Equal(t, state.OriginOwn, s.Origin)
	assert.Empty(t, h.engine.takeCalls())
}

func TestRemoteProgressSeeksOnlyOnDrift(t *testing.T) {
	h := newHarness(t, song(1))
	h.await(t, h.d.DispatchCreator(h.machine.PrepareNewTrack(h.slots[0], true, state.OriginOwn)))
	h.expectCalls(t, "load file:///1.mp3", "play")
	h.engine.tick(10 * time.Second)
	assert.Eventually(t, func() bool {
		return h.d.State().Current.State.Progress == 10*time.Second
	}, time.Second, 5*time.Millisecond)

	// within threshold of the engine
	h.await(t, h.d.Dispatch(player.ChangeTrackState{Progress: 10*time.Second + 20*time.Millisecond, IsPlaying: true}))
	// a short scrub from a peer is still mirrored
	h.await(t, h.d.Dispatch(player.ChangeTrackState{Progress: 10*time.Second + 300*time.Millisecond, IsPlaying: true}))
	// far from the engine
	h.await(t, h.d.Dispatch(player.Scrub{Progress: time.Minute}))
	h.expectCalls(t, "seek 10.3s", "seek 1m0s")
}

func TestEndedItemAdvancesQueue(t *testing.T) {
	h := newHarness(t, song(1), song(2))
	h.await(t, h.d.DispatchCreator(h.machine.PrepareNewTrack(h.slots[0], true, state.OriginOwn)))
	h.expectCalls(t, "load file:///1.mp3", "play")

	h.engine.events <- Event{Kind: EventEnded}
	assert.Eventually(t, func() bool {
		c := h.d.State().Current
		return c != nil && c.ActiveHash == h.slots[1]
	}, time.Second, 5*time.Millisecond)
	// the outgoing item is paused before the next one is loaded
	h.expectCalls(t, "pause", "load file:///2.mp3", "play")
}

func TestBlockedDevicePausesEngine(t *testing.T) {
	h := newHarness(t, song(1))
	h.await(t, h.d.DispatchCreator(h.machine.PrepareNewTrack(h.slots[0], true, state.OriginOwn)))
	h.expectCalls(t, "load file:///1.mp3", "play")

	h.await(t, h.d.Dispatch(player.SetBlocked{Blocked: true}))
	h.expectCalls(t, "pause")
}

func TestPendingMetadataIsNotLoaded(t *testing.T) {
	h := newHarness(t, song(1))

	// the current slot now refers to a track whose metadata is unknown
	peer := h.d.State().Playlist
	patch, err := peer.Insert([]models.Track{{ID: 5}}, "")
	require.NoError(t, err)
	h.await(t, h.d.DispatchCreator(h.machine.ApplyRemotePatch(patch)))

	head, ok := h.d.State().Playlist.Head()
	require.True(t, ok)
	require.True(t, head.Pending)
	h.await(t, h.d.DispatchCreator(h.machine.PrepareNewTrack(head.OrderHash, true, state.OriginOwn)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.engine.takeCalls())

	h.await(t, h.d.Dispatch(dispatch.ActionFunc[state.AppState](func(s state.AppState) (state.AppState, error) {
		return s.WithTracks(song(5)), nil
	})))
	h.expectCalls(t, "load file:///5.mp3", "play")
}
