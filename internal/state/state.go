// Package state defines the application snapshot shared by the dispatch
// loop and every consumer that renders or mirrors playback.
package state

import (
	"maps"
	"slices"
	"time"

	"tandem/internal/playlist"
	"tandem/pkg/models"
)

// Origin tells whether a change was made on this device or mirrors a peer.
type Origin string

const (
	OriginOwn   Origin = "own"
	OriginAlien Origin = "alien"
)

// TrackState is the playback position of the current item.
type TrackState struct {
	Origin    Origin        `json:"origin"`
	Progress  time.Duration `json:"progress"`
	IsPlaying bool          `json:"isPlaying"`
	// SuppressEcho marks progress reported by the local media engine during
	// ordinary playback. Such updates are never forwarded to the relay.
	SuppressEcho bool `json:"suppressEcho,omitempty"`
}

// CurrentItem is what the device is playing: a queue slot, preceded by the
// addons still stacked in front of it.
type CurrentItem struct {
	ActiveHash string         `json:"activeHash"`
	Addons     []models.Addon `json:"addons,omitempty"` // last element is on top
	State      TrackState     `json:"state"`
}

// TopAddon returns the addon currently playing, if any.
func (c *CurrentItem) TopAddon() (models.Addon, bool) {
	if c == nil || len(c.Addons) == 0 {
		return models.Addon{}, false
	}
	return c.Addons[len(c.Addons)-1], true
}

// WithState returns a copy of the item carrying ts.
func (c CurrentItem) WithState(ts TrackState) *CurrentItem {
	c.Addons = slices.Clone(c.Addons)
	c.State = ts
	return &c
}

// Equal compares two items field by field.
func (c *CurrentItem) Equal(other *CurrentItem) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.ActiveHash == other.ActiveHash &&
		c.State == other.State &&
		slices.Equal(c.Addons, other.Addons)
}

// PatchRecord is the last playlist patch folded into the snapshot.
type PatchRecord struct {
	Seq    uint64         `json:"seq"`
	Origin Origin         `json:"origin"`
	Patch  playlist.Patch `json:"patch"`
}

// AppState is the immutable application snapshot. Transforms build a new
// value with the With* helpers and never touch one already published.
type AppState struct {
	Playlist  *playlist.Playlist `json:"-"`
	Current   *CurrentItem       `json:"current,omitempty"`
	LastPatch *PatchRecord       `json:"lastPatch,omitempty"`
	Blocked   bool               `json:"blocked"`
	// PreviewTimes maps track IDs to the offset a fresh track starts at.
	PreviewTimes map[int]time.Duration `json:"previewTimes,omitempty"`
}

// Initial returns the empty snapshot the engine starts from.
func Initial() AppState {
	return AppState{Playlist: playlist.New()}
}

// WithPatch applies patch to the playlist and records it as the last patch.
func (s AppState) WithPatch(patch playlist.Patch, origin Origin) AppState {
	var seq uint64 = 1
	if s.LastPatch != nil {
		seq = s.LastPatch.Seq + 1
	}
	s.Playlist = s.Playlist.Apply(patch)
	s.LastPatch = &PatchRecord{Seq: seq, Origin: origin, Patch: patch}
	return s
}

// WithTracks adds metadata to the playlist's track cache.
func (s AppState) WithTracks(tracks ...models.Track) AppState {
	if len(tracks) == 0 {
		return s
	}
	s.Playlist = s.Playlist.WithTracks(tracks...)
	return s
}

// WithTrackState replaces the state of the current item. Without a current
// item the snapshot is returned unchanged.
func (s AppState) WithTrackState(ts TrackState) AppState {
	if s.Current == nil {
		return s
	}
	s.Current = s.Current.WithState(ts)
	return s
}

// WithCurrent swaps in a new current item.
func (s AppState) WithCurrent(item *CurrentItem) AppState {
	s.Current = item
	return s
}

// WithBlocked sets the block flag.
func (s AppState) WithBlocked(blocked bool) AppState {
	s.Blocked = blocked
	return s
}

// WithPreviewTimes replaces the preview offset map.
func (s AppState) WithPreviewTimes(times map[int]time.Duration) AppState {
	s.PreviewTimes = maps.Clone(times)
	return s
}

// ActiveSlot resolves the current item's slot in the playlist.
func (s AppState) ActiveSlot() (playlist.OrderedTrack, bool) {
	if s.Current == nil {
		return playlist.OrderedTrack{}, false
	}
	return s.Playlist.Slot(s.Current.ActiveHash)
}

// Equal reports whether two snapshots are indistinguishable to consumers.
func Equal(a, b AppState) bool {
	return a.Blocked == b.Blocked &&
		a.Current.Equal(b.Current) &&
		a.LastPatch == b.LastPatch &&
		maps.Equal(a.PreviewTimes, b.PreviewTimes) &&
		a.Playlist.Equal(b.Playlist)
}
