package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/playlist"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

func receive(t *testing.T, ch <-chan Command) Command {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
		return Command{}
	}
}

// expectNoEcho fails if ch yields a command sent by device itself.
func expectNoEcho(t *testing.T, ch <-chan Command, device string) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case cmd, ok := <-ch:
			if !ok {
				return
			}
			if cmd.Device == device {
				t.Fatalf("device %s received its own %s", device, cmd.Key())
			}
		case <-deadline:
			return
		}
	}
}

func stateCommand(t *testing.T, progress float64) Command {
	t.Helper()
	cmd, err := NewCommand(ChannelCurrentTrack, CommandSetState, TrackState{Progress: progress, IsPlaying: true})
	require.NoError(t, err)
	return cmd
}

func TestCommandPayload(t *testing.T) {
	next := "b"
	cmd, err := NewCommand(ChannelUpdate, CommandPlaylist, playlist.Patch{
		"a": {Next: &next},
		"c": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "update/playlist", cmd.Key())
	assert.NotEqual(t, cmd.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.JSONEq(t, `{"a":{"next":"b"},"c":null}`, string(cmd.Data))

	var patch playlist.Patch
	require.NoError(t, cmd.Decode(&patch))
	assert.Equal(t, []string{"a", "c"}, patch.Hashes())
	assert.Nil(t, patch["c"])

	var ts TrackState
	require.NoError(t, stateCommand(t, 1.5).Decode(&ts))
	assert.Equal(t, 1500*time.Millisecond, ts.ProgressDuration())

	tm := TimeMap{Times: map[int]float64{7: 30}}
	assert.Equal(t, 30*time.Second, tm.Durations()[7])
}

func TestBusDeliversToPeersOnly(t *testing.T) {
	bus := NewBus()
	phone := bus.Join("phone")
	tablet := bus.Join("tablet")
	defer phone.Close()
	defer tablet.Close()

	require.NoError(t, phone.Send(context.Background(), stateCommand(t, 3)))

	got := receive(t, tablet.Inbound())
	assert.Equal(t, "phone", got.Device)
	assert.Equal(t, "currentTrack/setState", got.Key())
	expectNoEcho(t, phone.Inbound(), "phone")

	require.NoError(t, tablet.Close())
	assert.ErrorIs(t, tablet.Send(context.Background(), stateCommand(t, 1)), ErrClosed)
	require.NoError(t, phone.Send(context.Background(), stateCommand(t, 4)))
}

func TestBusDeliversPastStalledPeer(t *testing.T) {
	bus := NewBus()
	phone := bus.Join("phone")
	tablet := bus.Join("tablet")
	stalled := bus.Join("stalled")
	defer phone.Close()
	defer tablet.Close()
	defer stalled.Close()

	// fill both inboxes, then drain only the tablet
	for i := 0; i < cap(stalled.inbound); i++ {
		require.NoError(t, phone.Send(context.Background(), stateCommand(t, 1)))
	}
	for i := 0; i < cap(tablet.inbound); i++ {
		receive(t, tablet.Inbound())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := phone.Send(ctx, stateCommand(t, 7))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "stalled")

	got := receive(t, tablet.Inbound())
	assert.Equal(t, "phone", got.Device)
	var ts TrackState
	require.NoError(t, got.Decode(&ts))
	assert.Equal(t, 7.0, ts.Progress)
}

// testHub is a websocket relay that echoes every message to every
// connection, the sender included.
type testHub struct {
	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
	accepted  atomic.Int32
	dropFirst bool
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.accepted.Add(1) == 1 && h.dropFirst {
		conn.Close()
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		for c := range h.conns {
			_ = c.WriteMessage(kind, data)
		}
		h.mu.Unlock()
	}
}

func newTestHub(t *testing.T, dropFirst bool) string {
	t.Helper()
	hub := &testHub{conns: make(map[*websocket.Conn]struct{}), dropFirst: dropFirst}
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url, device string) *WebSocketChannel {
	t.Helper()
	c := DialWebSocket(WebSocketConfig{
		URL:        url,
		Device:     device,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, testLogger())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWebSocketExchange(t *testing.T) {
	url := newTestHub(t, false)
	phone := dial(t, url, "phone")
	tablet := dial(t, url, "tablet")

	// both must be registered with the hub before anything is published
	probe := stateCommand(t, 0)
	require.Eventually(t, func() bool {
		if err := tablet.Send(context.Background(), probe); err != nil {
			return false
		}
		select {
		case <-phone.Inbound():
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, phone.Send(context.Background(), stateCommand(t, 12)))

	got := receive(t, tablet.Inbound())
	assert.Equal(t, "phone", got.Device)
	var ts TrackState
	require.NoError(t, got.Decode(&ts))
	assert.Equal(t, 12.0, ts.Progress)

	expectNoEcho(t, phone.Inbound(), "phone")
}

func TestWebSocketReconnects(t *testing.T) {
	url := newTestHub(t, true)
	phone := dial(t, url, "phone")
	tablet := dial(t, url, "tablet")

	// the hub drops whichever device connects first
	cmd := stateCommand(t, 7)
	require.Eventually(t, func() bool {
		if err := phone.Send(context.Background(), cmd); err != nil {
			return false
		}
		select {
		case cmd := <-tablet.Inbound():
			return cmd.Device == "phone"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketClosed(t *testing.T) {
	url := newTestHub(t, false)
	c := DialWebSocket(WebSocketConfig{URL: url, Device: "phone"}, testLogger())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(context.Background(), stateCommand(t, 1)), ErrClosed)
	_, open := <-c.Inbound()
	assert.False(t, open)
}

func TestRedisExchange(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	phone, err := NewRedisChannel(ctx, rdb, "account:42", "phone", testLogger())
	require.NoError(t, err)
	defer phone.Close()
	tablet, err := NewRedisChannel(ctx, rdb, "account:42", "tablet", testLogger())
	require.NoError(t, err)
	defer tablet.Close()

	block, err := NewCommand(ChannelPlayer, CommandBlock, Block{Blocked: true})
	require.NoError(t, err)
	require.NoError(t, phone.Send(ctx, block))

	got := receive(t, tablet.Inbound())
	assert.Equal(t, block.ID, got.ID)
	var payload Block
	require.NoError(t, got.Decode(&payload))
	assert.True(t, payload.Blocked)

	expectNoEcho(t, phone.Inbound(), "phone")

	require.NoError(t, tablet.Close())
	assert.ErrorIs(t, tablet.Send(ctx, block), ErrClosed)
}

func TestRedisPublishFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c, err := NewRedisChannel(context.Background(), rdb, "account:1", "phone", testLogger())
	require.NoError(t, err)
	defer c.Close()

	mr.SetError("redis connection failed")
	defer mr.SetError("")
	assert.Error(t, c.Send(context.Background(), stateCommand(t, 1)))
}
