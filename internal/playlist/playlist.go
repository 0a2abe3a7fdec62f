// Package playlist implements the shared playback queue: a doubly linked list
// stored as a map of slots keyed by order hash, so that edits can be shipped
// to other devices as small field-level patches.
package playlist

import (
	"errors"
	"maps"
	"sort"

	"tandem/pkg/models"
)

var (
	// ErrSlotNotFound is returned when an edit names a slot the queue does not hold.
	ErrSlotNotFound = errors.New("playlist slot not found")
	// ErrDesynchronized is returned when the node map no longer encodes a single list.
	ErrDesynchronized = errors.New("playlist desynchronized")
)

// NeedsResync reports whether err means this replica diverged from its peers.
func NeedsResync(err error) bool {
	return errors.Is(err, ErrDesynchronized) || errors.Is(err, ErrSlotNotFound)
}

// Playlist is an immutable queue value. Every edit returns a new Playlist;
// values already handed out are never mutated. The zero value and nil are
// both an empty queue.
type Playlist struct {
	nodes  map[string]Node
	tracks map[int]models.Track
}

// New returns an empty playlist.
func New() *Playlist {
	return &Playlist{
		nodes:  make(map[string]Node),
		tracks: make(map[int]models.Track),
	}
}

// Len returns the number of slots.
func (p *Playlist) Len() int {
	if p == nil {
		return 0
	}
	return len(p.nodes)
}

// Node returns the slot stored under hash.
func (p *Playlist) Node(hash string) (Node, bool) {
	if p == nil {
		return Node{}, false
	}
	n, ok := p.nodes[hash]
	return n, ok
}

// Nodes returns a copy of the node map.
func (p *Playlist) Nodes() map[string]Node {
	if p == nil {
		return map[string]Node{}
	}
	return maps.Clone(p.nodes)
}

// Track looks up cached metadata for a track ID.
func (p *Playlist) Track(id int) (models.Track, bool) {
	if p == nil {
		return models.Track{}, false
	}
	t, ok := p.tracks[id]
	return t, ok
}

// Tracks returns a copy of the track cache.
func (p *Playlist) Tracks() map[int]models.Track {
	if p == nil {
		return map[int]models.Track{}
	}
	return maps.Clone(p.tracks)
}

// Apply returns a new playlist with the patch merged in.
func (p *Playlist) Apply(patch Patch) *Playlist {
	next := p.clone()
	applyPatch(next.nodes, patch)
	return next
}

// WithTracks returns a new playlist whose track cache also holds tracks.
func (p *Playlist) WithTracks(tracks ...models.Track) *Playlist {
	next := p.clone()
	for _, t := range tracks {
		next.tracks[t.ID] = t
	}
	return next
}

// MissingTrackIDs returns the referenced track IDs absent from the cache.
func (p *Playlist) MissingTrackIDs() []int {
	if p == nil {
		return nil
	}
	seen := make(map[int]struct{})
	for _, n := range p.nodes {
		if _, ok := p.tracks[n.TrackID]; !ok {
			seen[n.TrackID] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot returns the whole queue as a patch of full updates.
func (p *Playlist) Snapshot() Patch {
	patch := make(Patch, p.Len())
	if p == nil {
		return patch
	}
	for hash, n := range p.nodes {
		patch[hash] = FullUpdate(n)
	}
	return patch
}

// ReplacePatch returns the minimal patch that turns p into the queue described
// by snapshot, a patch of full updates as produced by Snapshot.
func (p *Playlist) ReplacePatch(snapshot Patch) Patch {
	target := make(map[string]Node, len(snapshot))
	applyPatch(target, snapshot)

	current := p.Nodes()
	keys := make(map[string]struct{}, len(current)+len(target))
	for hash := range current {
		keys[hash] = struct{}{}
	}
	for hash := range target {
		keys[hash] = struct{}{}
	}
	return diffNodes(current, target, keys)
}

// Equal reports whether both playlists hold the same nodes and tracks.
func (p *Playlist) Equal(other *Playlist) bool {
	if p == other {
		return true
	}
	return maps.Equal(p.Nodes(), other.Nodes()) && maps.Equal(p.Tracks(), other.Tracks())
}

func (p *Playlist) clone() *Playlist {
	next := New()
	if p == nil {
		return next
	}
	maps.Copy(next.nodes, p.nodes)
	maps.Copy(next.tracks, p.tracks)
	return next
}
