// Package relay carries keyed commands between the devices of one listener
// account. Every transport stamps outgoing commands with the sender's device
// ID and drops inbound commands carrying its own.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tandem/internal/playlist"
	"tandem/pkg/models"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("relay channel closed")

// Channels and commands understood by the sync bridge.
const (
	ChannelUpdate       = "update"
	ChannelCurrentTrack = "currentTrack"
	ChannelPlayer       = "player"
	ChannelTracks       = "tracks"
	ChannelAddons       = "addons"
	ChannelPreview      = "preview"

	CommandPlaylist  = "playlist"
	CommandResync    = "resync"
	CommandSnapshot  = "snapshot"
	CommandSetState  = "setState"
	CommandSetActive = "setActive"
	CommandBlock     = "block"
	CommandFetch     = "fetch"
	CommandResolved  = "resolved"
	CommandChecked   = "checked"
	CommandTimeMap   = "timeMap"
)

// Command is one relay message.
type Command struct {
	ID      uuid.UUID       `json:"id"`
	Device  string          `json:"device"`
	Channel string          `json:"channel"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewCommand encodes payload into a command with a fresh ID.
func NewCommand(channel, command string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s/%s: %w", channel, command, err)
	}
	return Command{
		ID:      uuid.New(),
		Channel: channel,
		Command: command,
		Data:    data,
	}, nil
}

// Key is the "channel/command" pair used for routing.
func (c Command) Key() string {
	return c.Channel + "/" + c.Command
}

// Decode unmarshals the command's payload into v.
func (c Command) Decode(v any) error {
	if err := json.Unmarshal(c.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", c.Key(), err)
	}
	return nil
}

// Channel is a duplex relay connection.
type Channel interface {
	// Send stamps cmd with this device's ID and delivers it to the peers.
	Send(ctx context.Context, cmd Command) error
	// Inbound yields commands sent by other devices. It is closed by Close.
	Inbound() <-chan Command
	Close() error
}

// TrackState is the payload of currentTrack/setState. Progress is in
// seconds.
type TrackState struct {
	Progress  float64 `json:"progress"`
	IsPlaying bool    `json:"isPlaying"`
}

// ProgressDuration converts Progress to a duration.
func (p TrackState) ProgressDuration() time.Duration {
	return time.Duration(p.Progress * float64(time.Second))
}

// Active is the payload of currentTrack/setActive.
type Active struct {
	OrderHash string `json:"orderHash"`
	IsPlaying bool   `json:"isPlaying"`
}

// Block is the payload of player/block.
type Block struct {
	Blocked bool `json:"blocked"`
}

// Snapshot is the payload of update/snapshot: the whole queue as full node
// updates plus the metadata the sender holds.
type Snapshot struct {
	Nodes  playlist.Patch `json:"nodes"`
	Tracks []models.Track `json:"tracks"`
}

// Fetch is the payload of tracks/fetch.
type Fetch struct {
	RequestID uuid.UUID `json:"requestId"`
	TrackIDs  []int     `json:"trackIds"`
}

// Resolved is the payload of tracks/resolved, answering a Fetch.
type Resolved struct {
	RequestID uuid.UUID      `json:"requestId"`
	Tracks    []models.Track `json:"tracks"`
}

// AddonsChecked is the payload of addons/checked.
type AddonsChecked struct {
	OrderHash string `json:"orderHash"`
	Played    []int  `json:"played"`
}

// TimeMap is the payload of preview/timeMap: start offsets in seconds keyed
// by track ID.
type TimeMap struct {
	Times map[int]float64 `json:"times"`
}

// Durations converts the map to durations.
func (m TimeMap) Durations() map[int]time.Duration {
	out := make(map[int]time.Duration, len(m.Times))
	for id, secs := range m.Times {
		out[id] = time.Duration(secs * float64(time.Second))
	}
	return out
}
