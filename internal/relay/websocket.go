package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketConfig configures a websocket relay connection.
type WebSocketConfig struct {
	URL    string
	Token  string
	Device string
	// Buffer is how many outgoing commands are held while disconnected.
	Buffer     int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// WebSocketChannel is a relay connection to a websocket hub. It reconnects
// with exponential backoff and keeps queued commands across reconnects.
type WebSocketChannel struct {
	cfg     WebSocketConfig
	logger  logrus.FieldLogger
	dialer  *websocket.Dialer
	backoff *backoff.Backoff

	outbound chan Command
	inbound  chan Command

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// DialWebSocket starts a connection loop to cfg.URL. It returns immediately;
// commands sent before the first connection are queued.
func DialWebSocket(cfg WebSocketConfig, logger logrus.FieldLogger) *WebSocketChannel {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketChannel{
		cfg:    cfg,
		logger: logger.WithFields(logrus.Fields{"component": "relay", "transport": "websocket"}),
		dialer: websocket.DefaultDialer,
		backoff: &backoff.Backoff{
			Min:    cfg.MinBackoff,
			Max:    cfg.MaxBackoff,
			Factor: 2,
			Jitter: true,
		},
		outbound: make(chan Command, cfg.Buffer),
		inbound:  make(chan Command, cfg.Buffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *WebSocketChannel) Send(ctx context.Context, cmd Command) error {
	cmd.Device = c.cfg.Device
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbound <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *WebSocketChannel) Inbound() <-chan Command {
	return c.inbound
}

func (c *WebSocketChannel) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}

func (c *WebSocketChannel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.inbound)

	var unsent *Command
	for {
		header := http.Header{}
		if c.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := c.backoff.Duration()
			c.logger.WithError(err).WithField("retry_in", wait).Warn("Relay connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		c.backoff.Reset()
		c.logger.WithField("url", c.cfg.URL).Info("Relay connected")
		unsent = c.serve(ctx, conn, unsent)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Relay connection lost, reconnecting")
	}
}

// serve pumps commands over conn until it fails or ctx ends. It returns a
// command that was dequeued but not written.
func (c *WebSocketChannel) serve(ctx context.Context, conn *websocket.Conn, unsent *Command) *Command {
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readErr <- c.readPump(ctx, conn)
	}()
	defer func() {
		conn.Close()
		<-readDone
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		if unsent != nil {
			if err := c.write(conn, *unsent); err != nil {
				c.logger.WithError(err).Debug("Relay write failed")
				return unsent
			}
			unsent = nil
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case err := <-readErr:
			c.logger.WithError(err).Debug("Relay read failed")
			return nil
		case cmd := <-c.outbound:
			unsent = &cmd
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

func (c *WebSocketChannel) write(conn *websocket.Conn, cmd Command) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(cmd)
}

func (c *WebSocketChannel) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.WithError(err).Warn("Dropping malformed relay message")
			continue
		}
		if cmd.Device == c.cfg.Device {
			continue
		}
		select {
		case c.inbound <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
