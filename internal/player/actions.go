package player

import (
	"fmt"
	"slices"
	"time"

	"tandem/internal/playlist"
	"tandem/internal/state"
	"tandem/pkg/models"
)

// S is the snapshot type every action in this package transforms.
type S = state.AppState

func currentState(s S) (state.TrackState, error) {
	if s.Current == nil {
		return state.TrackState{}, ErrNoCurrentItem
	}
	return s.Current.State, nil
}

// Play resumes the current item.
type Play struct{}

func (Play) Reduce(s S) (S, error) {
	ts, err := currentState(s)
	if err != nil {
		return s, err
	}
	if s.Blocked {
		return s, ErrBlocked
	}
	ts.IsPlaying = true
	return s.WithTrackState(own(ts)), nil
}

// Pause halts the current item.
type Pause struct{}

func (Pause) Reduce(s S) (S, error) {
	ts, err := currentState(s)
	if err != nil {
		return s, err
	}
	ts.IsPlaying = false
	return s.WithTrackState(own(ts)), nil
}

// Switch toggles between playing and paused.
type Switch struct{}

func (Switch) Reduce(s S) (S, error) {
	ts, err := currentState(s)
	if err != nil {
		return s, err
	}
	if ts.IsPlaying {
		return Pause{}.Reduce(s)
	}
	return Play{}.Reduce(s)
}

// Scrub moves the playback position on user request.
type Scrub struct {
	Progress time.Duration
}

func (a Scrub) Reduce(s S) (S, error) {
	ts, err := currentState(s)
	if err != nil {
		return s, err
	}
	ts.Progress = max(a.Progress, 0)
	return s.WithTrackState(own(ts)), nil
}

// OrganicProgress records a position tick reported by the local media engine.
// The result is flagged so it is never forwarded to peers.
type OrganicProgress struct {
	Progress time.Duration
}

func (a OrganicProgress) Reduce(s S) (S, error) {
	if s.Current == nil {
		return s, nil
	}
	ts := s.Current.State
	ts.Origin = state.OriginOwn
	ts.Progress = a.Progress
	ts.SuppressEcho = true
	return s.WithTrackState(ts), nil
}

// ChangeTrackState overwrites the current item's state with one received
// from a peer.
type ChangeTrackState struct {
	Progress  time.Duration
	IsPlaying bool
}

func (a ChangeTrackState) Reduce(s S) (S, error) {
	if s.Current == nil {
		return s, ErrNoCurrentItem
	}
	return s.WithTrackState(state.TrackState{
		Origin:    state.OriginAlien,
		Progress:  max(a.Progress, 0),
		IsPlaying: a.IsPlaying && !s.Blocked,
	}), nil
}

// SetBlocked blocks or unblocks playback on this device. Blocking pauses the
// current item.
type SetBlocked struct {
	Blocked bool
}

func (a SetBlocked) Reduce(s S) (S, error) {
	s = s.WithBlocked(a.Blocked)
	if a.Blocked && s.Current != nil && s.Current.State.IsPlaying {
		ts := s.Current.State
		ts.IsPlaying = false
		ts.Origin = state.OriginAlien
		ts.SuppressEcho = false
		s = s.WithTrackState(ts)
	}
	return s, nil
}

// SetPreviewTimes replaces the per-track start offsets.
type SetPreviewTimes struct {
	Times map[int]time.Duration
}

func (a SetPreviewTimes) Reduce(s S) (S, error) {
	return s.WithPreviewTimes(a.Times), nil
}

// AddonsChecked drops addons a peer has already played for the active slot.
// When the playing addon is dropped the next one starts from the beginning.
type AddonsChecked struct {
	ActiveHash string
	Played     []int
}

func (a AddonsChecked) Reduce(s S) (S, error) {
	if s.Current == nil || s.Current.ActiveHash != a.ActiveHash || len(s.Current.Addons) == 0 {
		return s, nil
	}
	before, _ := s.Current.TopAddon()
	item := *s.Current
	item.Addons = slices.DeleteFunc(slices.Clone(item.Addons), func(addon models.Addon) bool {
		return slices.Contains(a.Played, addon.ID)
	})
	after, ok := item.TopAddon()
	if !ok || after.ID != before.ID {
		item.State.Progress = 0
		if !ok {
			item.State.Progress = startOffset(s, item.ActiveHash)
		}
		item.State.Origin = state.OriginAlien
		item.State.SuppressEcho = false
	}
	return s.WithCurrent(&item), nil
}

// InsertTracks adds tracks to the queue after the given slot, or at the head
// when After is empty.
type InsertTracks struct {
	Tracks []models.Track
	After  string
}

func (a InsertTracks) Reduce(s S) (S, error) {
	patch, err := s.Playlist.Insert(a.Tracks, a.After)
	if err != nil {
		return s, err
	}
	if patch.IsEmpty() {
		return s, nil
	}
	return s.WithPatch(patch, state.OriginOwn).WithTracks(a.Tracks...), nil
}

// DeleteSlot removes a slot from the queue.
type DeleteSlot struct {
	Hash string
}

func (a DeleteSlot) Reduce(s S) (S, error) {
	patch, err := s.Playlist.Delete(a.Hash)
	if err != nil {
		return s, err
	}
	return reconcileCurrent(s.WithPatch(patch, state.OriginOwn)), nil
}

// MoveSlot repositions a slot after another one, or at the head when After
// is empty.
type MoveSlot struct {
	Hash  string
	After string
}

func (a MoveSlot) Reduce(s S) (S, error) {
	patch, err := s.Playlist.Move(a.Hash, a.After)
	if err != nil {
		return s, err
	}
	if patch.IsEmpty() {
		return s, nil
	}
	return s.WithPatch(patch, state.OriginOwn), nil
}

func own(ts state.TrackState) state.TrackState {
	ts.Origin = state.OriginOwn
	ts.SuppressEcho = false
	return ts
}

// reconcileCurrent drops the current item once its slot has left the queue.
func reconcileCurrent(s S) S {
	if s.Current == nil {
		return s
	}
	if _, ok := s.Playlist.Node(s.Current.ActiveHash); !ok {
		return s.WithCurrent(nil)
	}
	return s
}

// startOffset is where a freshly started track begins.
func startOffset(s S, hash string) time.Duration {
	n, ok := s.Playlist.Node(hash)
	if !ok {
		return 0
	}
	return s.PreviewTimes[n.TrackID]
}

func activeNode(s S) (playlist.Node, error) {
	if s.Current == nil {
		return playlist.Node{}, ErrNoCurrentItem
	}
	n, ok := s.Playlist.Node(s.Current.ActiveHash)
	if !ok {
		return playlist.Node{}, fmt.Errorf("%w: active slot %s is not in the queue",
			playlist.ErrDesynchronized, s.Current.ActiveHash)
	}
	return n, nil
}
