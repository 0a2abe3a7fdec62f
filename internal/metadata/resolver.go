package metadata

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"tandem/internal/cache"
	"tandem/pkg/models"
)

// TrackFetcher resolves track metadata by ID, omitting unknown IDs.
type TrackFetcher interface {
	FetchTracksByIDs(ctx context.Context, ids []int) ([]models.Track, error)
}

// TrackStore is the durable layer of the resolver.
type TrackStore interface {
	TrackFetcher
	SaveTracks(ctx context.Context, tracks []models.Track) error
}

// Resolver looks tracks up in the memory cache, then the store, then a
// remote fetcher. Remote results are written back to both local layers.
type Resolver struct {
	cache  *cache.TrackCache
	store  TrackStore
	logger logrus.FieldLogger

	mu     sync.RWMutex
	remote TrackFetcher
}

// NewResolver creates a resolver without a remote layer.
func NewResolver(c *cache.TrackCache, store TrackStore, logger logrus.FieldLogger) *Resolver {
	return &Resolver{
		cache:  c,
		store:  store,
		logger: logger.WithField("component", "resolver"),
	}
}

// SetRemote installs the fetcher consulted for IDs unknown locally.
func (r *Resolver) SetRemote(remote TrackFetcher) {
	r.mu.Lock()
	r.remote = remote
	r.mu.Unlock()
}

// FetchTracksByIDs returns the tracks found in any layer, in the order of
// ids. A failing remote is logged and the local results are returned.
func (r *Resolver) FetchTracksByIDs(ctx context.Context, ids []int) ([]models.Track, error) {
	found, err := r.fetchLocal(ctx, ids)
	if err != nil {
		return nil, err
	}

	missing := missingIDs(ids, found)
	r.mu.RLock()
	remote := r.remote
	r.mu.RUnlock()
	if len(missing) == 0 || remote == nil {
		return ordered(ids, found), nil
	}

	tracks, err := remote.FetchTracksByIDs(ctx, missing)
	if err != nil {
		r.logger.WithError(err).WithField("missing", len(missing)).Warn("Remote metadata lookup failed")
		return ordered(ids, found), nil
	}
	if len(tracks) > 0 {
		if err := r.store.SaveTracks(ctx, tracks); err != nil {
			r.logger.WithError(err).Warn("Failed to persist resolved tracks")
		}
		r.cache.SetTracks(tracks)
		for _, t := range tracks {
			found[t.ID] = t
		}
	}
	return ordered(ids, found), nil
}

// Local returns a fetcher limited to the cache and the store. Peers asking
// for metadata are answered from it so lookups never bounce between devices.
func (r *Resolver) Local() TrackFetcher {
	return localFetcher{r}
}

// Remember caches tracks that just became known, such as fresh imports.
func (r *Resolver) Remember(tracks ...models.Track) {
	r.cache.SetTracks(tracks)
}

func (r *Resolver) fetchLocal(ctx context.Context, ids []int) (map[int]models.Track, error) {
	cached, missing := r.cache.GetTracks(ids)

	found := make(map[int]models.Track, len(ids))
	for _, t := range cached {
		found[t.ID] = t
	}
	if len(missing) == 0 {
		return found, nil
	}

	stored, err := r.store.FetchTracksByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	r.cache.SetTracks(stored)
	for _, t := range stored {
		found[t.ID] = t
	}
	return found, nil
}

type localFetcher struct{ r *Resolver }

func (l localFetcher) FetchTracksByIDs(ctx context.Context, ids []int) ([]models.Track, error) {
	found, err := l.r.fetchLocal(ctx, ids)
	if err != nil {
		return nil, err
	}
	return ordered(ids, found), nil
}

func missingIDs(ids []int, found map[int]models.Track) []int {
	var missing []int
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; !ok && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	return missing
}

func ordered(ids []int, found map[int]models.Track) []models.Track {
	out := make([]models.Track, 0, len(found))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if t, ok := found[id]; ok && !seen[id] {
			out = append(out, t)
			seen[id] = true
		}
	}
	return out
}
