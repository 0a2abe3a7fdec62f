package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrEngineClosed is returned by commands sent after Close.
var ErrEngineClosed = errors.New("mpv connection closed")

const (
	connectAttempts = 20
	connectDelay    = 100 * time.Millisecond
	tickInterval    = time.Second
)

type mpvCommand struct {
	Command   []any  `json:"command"`
	RequestID uint64 `json:"request_id"`
}

type mpvMessage struct {
	RequestID uint64          `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	Name      string          `json:"name"`
	Reason    string          `json:"reason"`
}

var _ Engine = (*MPV)(nil)

// MPV drives an mpv process over its JSON IPC socket.
type MPV struct {
	socketPath string
	logger     logrus.FieldLogger

	conn      net.Conn
	writeMu   sync.Mutex
	nextReqID atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan mpvMessage

	position atomic.Int64
	lastTick atomic.Int64
	events   chan Event

	cmd    *exec.Cmd
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewMPV creates an engine talking to the IPC socket at socketPath.
func NewMPV(socketPath string, logger logrus.FieldLogger) *MPV {
	m := &MPV{
		socketPath: socketPath,
		logger:     logger.WithField("component", "mpv"),
		pending:    make(map[uint64]chan mpvMessage),
		events:     make(chan Event, 64),
		closed:     make(chan struct{}),
	}
	m.lastTick.Store(int64(-tickInterval))
	return m
}

// Start launches an idle mpv process listening on the socket, then connects.
func (m *MPV) Start(ctx context.Context, binary string) error {
	if _, err := os.Stat(m.socketPath); err == nil {
		os.Remove(m.socketPath)
	}
	m.cmd = exec.CommandContext(ctx, binary,
		"--idle=yes",
		"--no-video",
		"--no-terminal",
		"--input-ipc-server="+m.socketPath,
	)
	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("start mpv: %w", err)
	}
	m.logger.WithField("pid", m.cmd.Process.Pid).Info("Started mpv")
	return m.Connect(ctx)
}

// Connect attaches to an mpv instance already listening on the socket.
func (m *MPV) Connect(ctx context.Context) error {
	var conn net.Conn
	var err error
	var dialer net.Dialer
	for i := 0; i < connectAttempts; i++ {
		conn, err = dialer.DialContext(ctx, "unix", m.socketPath)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	if err != nil {
		return fmt.Errorf("connect to mpv socket %s: %w", m.socketPath, err)
	}
	m.conn = conn

	m.wg.Add(1)
	go m.readLoop()

	if _, err := m.exec(ctx, "observe_property", 1, "time-pos"); err != nil {
		return fmt.Errorf("observe time-pos: %w", err)
	}
	return nil
}

// Close disconnects and stops the process if Start launched one.
func (m *MPV) Close() error {
	m.once.Do(func() {
		close(m.closed)
		if m.conn != nil {
			m.conn.Close()
		}
		if m.cmd != nil && m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
			_ = m.cmd.Wait()
		}
	})
	m.wg.Wait()
	return nil
}

func (m *MPV) Load(ctx context.Context, url string) error {
	m.position.Store(0)
	m.lastTick.Store(int64(-tickInterval))
	_, err := m.exec(ctx, "loadfile", url, "replace")
	return err
}

func (m *MPV) Play(ctx context.Context) error {
	_, err := m.exec(ctx, "set_property", "pause", false)
	return err
}

func (m *MPV) Pause(ctx context.Context) error {
	_, err := m.exec(ctx, "set_property", "pause", true)
	return err
}

func (m *MPV) Seek(ctx context.Context, position time.Duration) error {
	_, err := m.exec(ctx, "seek", position.Seconds(), "absolute")
	if err == nil {
		m.position.Store(int64(position))
	}
	return err
}

func (m *MPV) Position() time.Duration {
	return time.Duration(m.position.Load())
}

func (m *MPV) Events() <-chan Event {
	return m.events
}

func (m *MPV) exec(ctx context.Context, args ...any) (json.RawMessage, error) {
	if m.conn == nil {
		return nil, ErrEngineClosed
	}
	reqID := m.nextReqID.Add(1)
	data, err := json.Marshal(mpvCommand{Command: args, RequestID: reqID})
	if err != nil {
		return nil, fmt.Errorf("marshal mpv command: %w", err)
	}

	respc := make(chan mpvMessage, 1)
	m.pendingMu.Lock()
	m.pending[reqID] = respc
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, reqID)
		m.pendingMu.Unlock()
	}()

	m.writeMu.Lock()
	_, err = m.conn.Write(append(data, '\n'))
	m.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write mpv command: %w", err)
	}

	select {
	case resp := <-respc:
		if resp.Error != "" && resp.Error != "success" {
			return nil, fmt.Errorf("mpv %v: %s", args[0], resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrEngineClosed
	}
}

func (m *MPV) readLoop() {
	defer m.wg.Done()
	defer close(m.events)

	scanner := bufio.NewScanner(m.conn)
	for scanner.Scan() {
		var msg mpvMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			m.logger.WithError(err).Debug("Skipping malformed mpv message")
			continue
		}
		if msg.Event != "" {
			m.handleEvent(msg)
			continue
		}
		m.pendingMu.Lock()
		respc, ok := m.pending[msg.RequestID]
		m.pendingMu.Unlock()
		if ok {
			respc <- msg
		}
	}
	m.logger.Debug("mpv read loop exited")
}

func (m *MPV) handleEvent(msg mpvMessage) {
	switch {
	case msg.Event == "property-change" && msg.Name == "time-pos":
		var secs *float64
		if err := json.Unmarshal(msg.Data, &secs); err != nil || secs == nil {
			return // null while idle
		}
		pos := time.Duration(*secs * float64(time.Second))
		m.position.Store(int64(pos))
		last := time.Duration(m.lastTick.Load())
		if pos-last < tickInterval && pos >= last {
			return
		}
		m.lastTick.Store(int64(pos))
		// ticks are dropped when the consumer lags
		select {
		case m.events <- Event{Kind: EventTick, Position: pos}:
		default:
		}
	case msg.Event == "end-file" && msg.Reason == "eof":
		select {
		case m.events <- Event{Kind: EventEnded, Position: m.Position()}:
		case <-m.closed:
		}
	}
}
