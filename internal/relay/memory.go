package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Bus is an in-process relay. Every channel joined to it receives what the
// others send; it backs tests and single-process setups.
type Bus struct {
	mu      sync.Mutex
	members map[*MemoryChannel]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{members: make(map[*MemoryChannel]struct{})}
}

// Join attaches a device to the bus.
func (b *Bus) Join(device string) *MemoryChannel {
	c := &MemoryChannel{
		bus:     b,
		device:  device,
		inbound: make(chan Command, 256),
	}
	b.mu.Lock()
	b.members[c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *Bus) publish(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	members := make([]*MemoryChannel, 0, len(b.members))
	for m := range b.members {
		members = append(members, m)
	}
	b.mu.Unlock()

	// a stalled member must not starve the others
	var errs []error
	for _, m := range members {
		if err := m.deliver(ctx, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryChannel is one device's connection to a Bus.
type MemoryChannel struct {
	bus     *Bus
	device  string
	inbound chan Command
	mu      sync.Mutex
	closed  bool
}

func (c *MemoryChannel) Send(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	cmd.Device = c.device
	return c.bus.publish(ctx, cmd)
}

func (c *MemoryChannel) deliver(ctx context.Context, cmd Command) error {
	if cmd.Device == c.device {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.inbound <- cmd:
		return nil
	default:
	}
	select {
	case c.inbound <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deliver to %s: %w", c.device, ctx.Err())
	}
}

func (c *MemoryChannel) Inbound() <-chan Command {
	return c.inbound
}

func (c *MemoryChannel) Close() error {
	c.bus.mu.Lock()
	delete(c.bus.members, c)
	c.bus.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}
