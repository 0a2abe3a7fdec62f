package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisChannel relays commands over a Redis Pub/Sub topic shared by the
// devices of one account.
type RedisChannel struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	topic  string
	device string
	logger logrus.FieldLogger

	inbound chan Command
	done    chan struct{}
	once    sync.Once
}

// NewRedisChannel subscribes to topic and waits for the subscription to be
// confirmed.
func NewRedisChannel(ctx context.Context, rdb *redis.Client, topic, device string, logger logrus.FieldLogger) (*RedisChannel, error) {
	pubsub := rdb.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	c := &RedisChannel{
		rdb:     rdb,
		pubsub:  pubsub,
		topic:   topic,
		device:  device,
		logger:  logger.WithFields(logrus.Fields{"component": "relay", "transport": "redis", "topic": topic}),
		inbound: make(chan Command, 256),
		done:    make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

func (c *RedisChannel) Send(ctx context.Context, cmd Command) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	cmd.Device = c.device
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Key(), err)
	}
	if err := c.rdb.Publish(ctx, c.topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", cmd.Key(), err)
	}
	return nil
}

func (c *RedisChannel) Inbound() <-chan Command {
	return c.inbound
}

func (c *RedisChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.pubsub.Close()
	})
	return err
}

func (c *RedisChannel) receive() {
	defer close(c.inbound)
	for msg := range c.pubsub.Channel() {
		var cmd Command
		if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
			c.logger.WithError(err).Warn("Dropping malformed relay message")
			continue
		}
		if cmd.Device == c.device {
			continue
		}
		select {
		case c.inbound <- cmd:
		case <-c.done:
			return
		}
	}
}
