package metadata

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tandem/pkg/models"
)

// LibraryStore persists imported tracks.
type LibraryStore interface {
	InsertTrack(track *models.Track) (int, error)
	TrackExists(filePath string) (bool, error)
	RemoveTrackByPath(filePath string) error
}

// Library imports a music directory into the track store and keeps it in
// sync with the file system.
type Library struct {
	root      string
	extractor *Extractor
	store     LibraryStore
	workers   int
	settle    time.Duration
	onImport  func(models.Track)
	logger    logrus.FieldLogger
}

// LibraryOption customizes a Library.
type LibraryOption func(*Library)

// WithWorkers bounds the number of files extracted concurrently.
func WithWorkers(n int) LibraryOption {
	return func(l *Library) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithSettleDelay sets how long a newly created file is left alone before
// it is read.
func WithSettleDelay(d time.Duration) LibraryOption {
	return func(l *Library) { l.settle = d }
}

// WithImportHook registers fn to run after each imported track is stored.
func WithImportHook(fn func(models.Track)) LibraryOption {
	return func(l *Library) { l.onImport = fn }
}

// NewLibrary creates a library rooted at root.
func NewLibrary(root string, extractor *Extractor, store LibraryStore, logger logrus.FieldLogger, opts ...LibraryOption) *Library {
	l := &Library{
		root:      root,
		extractor: extractor,
		store:     store,
		workers:   4,
		settle:    500 * time.Millisecond,
		logger:    logger.WithField("component", "library"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Scan walks the library and imports every audio file not yet stored. It
// returns the number of tracks imported. Files that fail to import are
// logged and skipped.
func (l *Library) Scan(ctx context.Context) (int, error) {
	start := time.Now()
	var imported atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if d.IsDir() || ignored(path) || !l.extractor.IsAudioFile(path) {
			return nil
		}
		g.Go(func() error {
			if l.importFile(path) {
				imported.Add(1)
			}
			return nil
		})
		return nil
	})
	if waitErr := g.Wait(); err == nil {
		err = waitErr
	}

	l.logger.WithFields(logrus.Fields{
		"imported": imported.Load(),
		"duration": time.Since(start),
	}).Info("Library scan finished")
	return int(imported.Load()), err
}

// Watch follows file system changes under the library root until ctx is
// done, importing created files and removing deleted ones.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addRecursive(watcher, l.root); err != nil {
		return err
	}
	l.logger.WithField("library_path", l.root).Info("File watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (l *Library) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if ignored(event.Name) {
		return
	}
	isAudio := l.extractor.IsAudioFile(event.Name)

	switch {
	case event.Has(fsnotify.Create) && isAudio:
		go func(name string) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.settle):
			}
			l.importFile(name)
		}(event.Name)

	case (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) && isAudio:
		if err := l.store.RemoveTrackByPath(event.Name); err != nil {
			l.logger.WithError(err).WithField("file_path", event.Name).Error("Error removing track")
			return
		}
		l.logger.WithField("file_path", event.Name).Info("Removed track")

	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(watcher, event.Name); err != nil {
				l.logger.WithError(err).WithField("directory", event.Name).Warn("Failed to watch directory")
				return
			}
			l.logger.WithField("directory", event.Name).Info("Watching new directory")
		}
	}
}

// importFile stores path unless it is already known and reports whether a
// track was added.
func (l *Library) importFile(path string) bool {
	log := l.logger.WithField("file_path", path)

	exists, err := l.store.TrackExists(path)
	if err != nil {
		log.WithError(err).Error("Error checking if track exists")
		return false
	}
	if exists {
		return false
	}

	track, err := l.extractor.ExtractFromFile(path)
	if err != nil {
		log.WithError(err).Error("Error extracting metadata")
		return false
	}

	id, err := l.store.InsertTrack(&track)
	if err != nil {
		log.WithError(err).Error("Error inserting track")
		return false
	}
	track.ID = id

	if l.onImport != nil {
		l.onImport(track)
	}
	log.WithFields(logrus.Fields{
		"id":     id,
		"artist": track.Artist,
		"title":  track.Title,
	}).Info("Added track")
	return true
}

func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// ignored reports hidden and temporary files.
func ignored(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}
