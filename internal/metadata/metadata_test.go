package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/cache"
	"tandem/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func writeWAV(t *testing.T, path string, seconds int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	const rate = 8000
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, rate*seconds),
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestIsAudioFile(t *testing.T) {
	e := NewExtractor(nil, testLogger())

	tests := []struct {
		filename string
		want     bool
	}{
		{"song.mp3", true},
		{"song.MP3", true},
		{"song.flac", true},
		{"song.wav", true},
		{"song.m4a", true},
		{"song.txt", false},
		{"song", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsAudioFile(tt.filename))
		})
	}
}

func TestExtractFromWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Some Tune.wav")
	writeWAV(t, path, 2)

	track, err := NewExtractor(nil, testLogger()).ExtractFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Some Tune", track.Title)
	assert.Equal(t, unknownArtist, track.Artist)
	assert.Equal(t, 2, track.Duration)
	assert.Equal(t, path, track.URL)
	assert.Positive(t, track.FileSize)
}

func TestExtractMissingFile(t *testing.T) {
	_, err := NewExtractor(nil, testLogger()).ExtractFromFile(filepath.Join(t.TempDir(), "nope.mp3"))
	assert.Error(t, err)
}

type memoryStore struct {
	mu     sync.Mutex
	nextID int
	byPath map[string]models.Track
	byID   map[int]models.Track
	saved  []models.Track
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byPath: map[string]models.Track{}, byID: map[int]models.Track{}}
}

func (s *memoryStore) InsertTrack(track *models.Track) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := *track
	t.ID = s.nextID
	s.byPath[t.FilePath] = t
	s.byID[t.ID] = t
	return t.ID, nil
}

func (s *memoryStore) TrackExists(filePath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byPath[filePath]
	return ok, nil
}

func (s *memoryStore) RemoveTrackByPath(filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byPath[filePath]; ok {
		delete(s.byID, t.ID)
		delete(s.byPath, filePath)
	}
	return nil
}

func (s *memoryStore) FetchTracksByIDs(_ context.Context, ids []int) ([]models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Track
	for _, id := range ids {
		if t, ok := s.byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memoryStore) SaveTracks(_ context.Context, tracks []models.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tracks {
		s.byID[t.ID] = t
	}
	s.saved = append(s.saved, tracks...)
	return nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPath)
}

func TestLibraryScan(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "album"), 0o755))
	writeWAV(t, filepath.Join(root, "a.wav"), 1)
	writeWAV(t, filepath.Join(root, "album", "b.wav"), 1)
	writeWAV(t, filepath.Join(root, ".hidden.wav"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	store := newMemoryStore()
	var hooked []string
	var mu sync.Mutex
	lib := NewLibrary(root, NewExtractor(nil, testLogger()), store, testLogger(),
		WithWorkers(2),
		WithImportHook(func(tr models.Track) {
			mu.Lock()
			hooked = append(hooked, tr.Title)
			mu.Unlock()
		}))

	n, err := lib.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a", "b"}, hooked)

	n, err = lib.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "known files are not imported twice")
}

func TestLibraryWatch(t *testing.T) {
	root := t.TempDir()
	store := newMemoryStore()
	lib := NewLibrary(root, NewExtractor(nil, testLogger()), store, testLogger(), WithSettleDelay(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lib.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the root
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(root, "new.wav")
	writeWAV(t, path, 1)
	assert.Eventually(t, func() bool { return store.count() == 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return store.count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

type fakeRemote struct {
	tracks map[int]models.Track
	err    error
	asked  [][]int
}

func (f *fakeRemote) FetchTracksByIDs(_ context.Context, ids []int) ([]models.Track, error) {
	f.asked = append(f.asked, ids)
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Track
	for _, id := range ids {
		if t, ok := f.tracks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestResolverLayers(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	require.NoError(t, store.SaveTracks(ctx, []models.Track{{ID: 2, Title: "stored"}}))
	store.saved = nil

	tc := cache.NewTrackCache(time.Minute)
	defer tc.Close()
	tc.SetTracks([]models.Track{{ID: 1, Title: "cached"}})

	remote := &fakeRemote{tracks: map[int]models.Track{3: {ID: 3, Title: "remote"}}}
	r := NewResolver(tc, store, testLogger())

	t.Run("without remote", func(t *testing.T) {
		got, err := r.FetchTracksByIDs(ctx, []int{3, 2, 1})
		require.NoError(t, err)
		assert.Equal(t, []models.Track{{ID: 2, Title: "stored"}, {ID: 1, Title: "cached"}}, got)
	})

	r.SetRemote(remote)

	t.Run("remote fills the gaps", func(t *testing.T) {
		got, err := r.FetchTracksByIDs(ctx, []int{3, 2, 1, 4})
		require.NoError(t, err)
		assert.Equal(t, []string{"remote", "stored", "cached"}, titles(got))
		assert.Equal(t, [][]int{{3, 4}}, remote.asked)
		assert.Equal(t, []models.Track{{ID: 3, Title: "remote"}}, store.saved)
	})

	t.Run("resolved tracks are cached", func(t *testing.T) {
		remote.asked = nil
		got, err := r.FetchTracksByIDs(ctx, []int{3})
		require.NoError(t, err)
		assert.Equal(t, []string{"remote"}, titles(got))
		assert.Empty(t, remote.asked)
	})

	t.Run("local view never asks the remote", func(t *testing.T) {
		remote.asked = nil
		got, err := r.Local().FetchTracksByIDs(ctx, []int{4, 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"stored"}, titles(got))
		assert.Empty(t, remote.asked)
	})

	t.Run("remote failure keeps local results", func(t *testing.T) {
		remote.err = errors.New("offline")
		got, err := r.FetchTracksByIDs(ctx, []int{1, 5})
		require.NoError(t, err)
		assert.Equal(t, []string{"cached"}, titles(got))
	})
}

func titles(tracks []models.Track) []string {
	out := make([]string, len(tracks))
	for i, t := range tracks {
		out[i] = t.Title
	}
	return out
}
