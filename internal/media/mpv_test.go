package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMPV answers IPC commands the way mpv does and can push events.
type fakeMPV struct {
	listener net.Listener
	mu       sync.Mutex
	conn     net.Conn
	commands [][]any
	fail     map[string]string
}

func newFakeMPV(t *testing.T) (*fakeMPV, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpv.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	f := &fakeMPV{listener: l, fail: map[string]string{}}
	go f.serve()
	t.Cleanup(func() { l.Close() })
	return f, path
}

func (f *fakeMPV) serve() {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd mpvCommand
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd.Command)
		reply := "success"
		if msg, ok := f.fail[fmt.Sprint(cmd.Command[0])]; ok {
			reply = msg
		}
		f.mu.Unlock()
		f.send(map[string]any{"request_id": cmd.RequestID, "error": reply, "data": nil})
	}
}

func (f *fakeMPV) send(msg map[string]any) {
	data, _ := json.Marshal(msg)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = f.conn.Write(append(data, '\n'))
}

func (f *fakeMPV) sent() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.commands...)
}

func connectMPV(t *testing.T) (*MPV, *fakeMPV) {
	t.Helper()
	server, path := newFakeMPV(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	engine := NewMPV(path, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Connect(ctx))
	t.Cleanup(func() { engine.Close() })
	return engine, server
}

func TestMPVCommands(t *testing.T) {
	engine, server := connectMPV(t)
	ctx := context.Background()

	require.NoError(t, engine.Load(ctx, "file:///a.mp3"))
	require.NoError(t, engine.Play(ctx))
	require.NoError(t, engine.Seek(ctx, 90*time.Second))
	require.NoError(t, engine.Pause(ctx))

	want := [][]any{
		{"observe_property", float64(1), "time-pos"},
		{"loadfile", "file:///a.mp3", "replace"},
		{"set_property", "pause", false},
		{"seek", float64(90), "absolute"},
		{"set_property", "pause", true},
	}
	assert.Equal(t, want, server.sent())
	assert.Equal(t, 90*time.Second, engine.Position())
}

func TestMPVCommandError(t *testing.T) {
	engine, server := connectMPV(t)
	server.mu.Lock()
	server.fail["loadfile"] = "invalid parameter"
	server.mu.Unlock()

	err := engine.Load(context.Background(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid parameter")
}

func TestMPVEvents(t *testing.T) {
	engine, server := connectMPV(t)

	tests := []struct {
		name string
		msg  map[string]any
		want *Event
	}{
		{"first tick", map[string]any{"event": "property-change", "name": "time-pos", "data": 0.2}, &Event{Kind: EventTick, Position: 200 * time.Millisecond}},
		{"throttled tick", map[string]any{"event": "property-change", "name": "time-pos", "data": 0.7}, nil},
		{"next second", map[string]any{"event": "property-change", "name": "time-pos", "data": 1.25}, &Event{Kind: EventTick, Position: 1250 * time.Millisecond}},
		{"idle", map[string]any{"event": "property-change", "name": "time-pos", "data": nil}, nil},
		{"replaced file", map[string]any{"event": "end-file", "reason": "stop"}, nil},
		{"natural end", map[string]any{"event": "end-file", "reason": "eof"}, &Event{Kind: EventEnded, Position: 1250 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server.send(tt.msg)
			if tt.want == nil {
				select {
				case ev := <-engine.Events():
					t.Fatalf("unexpected event %v", ev)
				case <-time.After(30 * time.Millisecond):
				}
				return
			}
			select {
			case ev := <-engine.Events():
				assert.Equal(t, *tt.want, ev)
			case <-time.After(time.Second):
				t.Fatal("no event")
			}
		})
	}
}

func TestMPVClosed(t *testing.T) {
	engine, _ := connectMPV(t)
	require.NoError(t, engine.Close())
	assert.Error(t, engine.Play(context.Background()))
}
