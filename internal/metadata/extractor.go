package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"

	"tandem/pkg/models"
)

// DefaultFormats lists the extensions the library importer picks up.
var DefaultFormats = []string{".mp3", ".flac", ".wav", ".m4a"}

const (
	unknownArtist = "Unknown Artist"
	unknownAlbum  = "Unknown Album"
)

// Extractor reads tags and durations from local audio files
type Extractor struct {
	supportedFormats []string
	logger           logrus.FieldLogger
}

// NewExtractor creates a new metadata extractor
func NewExtractor(supportedFormats []string, logger logrus.FieldLogger) *Extractor {
	if len(supportedFormats) == 0 {
		supportedFormats = DefaultFormats
	}
	return &Extractor{
		supportedFormats: supportedFormats,
		logger:           logger.WithField("component", "extractor"),
	}
}

// ExtractFromFile builds a track from an audio file. Missing tags fall back
// to the file name; an unreadable duration is recorded as zero.
func (e *Extractor) ExtractFromFile(filePath string) (models.Track, error) {
	startTime := time.Now()
	log := e.logger.WithField("file_path", filePath)

	file, err := os.Open(filePath)
	if err != nil {
		return models.Track{}, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return models.Track{}, fmt.Errorf("stat %s: %w", filePath, err)
	}

	duration, err := e.calculateDuration(filePath)
	if err != nil {
		log.WithError(err).Warn("Failed to calculate duration, setting to 0")
		duration = 0
	}

	track := models.Track{
		Title:    strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath)),
		Artist:   unknownArtist,
		Album:    unknownAlbum,
		Duration: duration,
		URL:      filePath,
		FilePath: filePath,
		FileSize: stat.Size(),
	}

	metadata, err := tag.ReadFrom(file)
	if err != nil {
		log.WithError(err).Debug("No readable tags, using filename")
		return track, nil
	}

	if title := metadata.Title(); title != "" {
		track.Title = title
	}
	if artist := metadata.Artist(); artist != "" {
		track.Artist = artist
	}
	if album := metadata.Album(); album != "" {
		track.Album = album
	}
	track.TrackNumber, _ = metadata.Track()

	log.WithFields(logrus.Fields{
		"title":          track.Title,
		"artist":         track.Artist,
		"duration":       track.Duration,
		"processingTime": time.Since(startTime),
	}).Debug("Extracted metadata")

	return track, nil
}

// IsAudioFile checks if a file is a supported audio format
func (e *Extractor) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// calculateDuration returns the duration of an audio file in whole seconds
func (e *Extractor) calculateDuration(filePath string) (int, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return durationMP3(filePath)
	case ".flac":
		return durationFLAC(filePath)
	case ".wav":
		return durationWAV(filePath)
	case ".m4a":
		return durationM4A(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", ext)
	}
}

// durationMP3 sums decoded frame durations and estimates from the file size
// at 192 kbps when no frame decodes.
func durationMP3(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var (
		total   time.Duration
		skipped int
		frames  int
	)
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if frames == 0 && !errors.Is(err, io.EOF) {
				return estimateFromSize(f, 192000)
			}
			break
		}
		total += fr.Duration()
		frames++
	}
	return int(total.Seconds()), nil
}

func durationFLAC(path string) (int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	si := stream.Info
	if si.NSamples == 0 || si.SampleRate == 0 {
		return 0, errors.New("flac stream missing sample info")
	}
	return int(float64(si.NSamples)/float64(si.SampleRate) + 0.5), nil
}

func durationWAV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, errors.New("invalid wav file")
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, err
	}
	return int(d.Seconds() + 0.5), nil
}

// durationM4A reads the movie header (moov/mvhd) timescale and duration.
func durationM4A(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	moov, err := findAtom(f, "moov", -1)
	if err != nil {
		return 0, err
	}
	if _, err := findAtom(f, "mvhd", moov); err != nil {
		return 0, err
	}

	var version [4]byte // version byte plus flags
	if _, err := io.ReadFull(f, version[:]); err != nil {
		return 0, err
	}
	times := int64(8)
	if version[0] == 1 {
		times = 16
	}
	if _, err := f.Seek(times, io.SeekCurrent); err != nil {
		return 0, err
	}

	var timescale uint32
	if err := binary.Read(f, binary.BigEndian, &timescale); err != nil {
		return 0, err
	}
	if timescale == 0 {
		return 0, errors.New("invalid timescale")
	}

	var units uint64
	if version[0] == 1 {
		err = binary.Read(f, binary.BigEndian, &units)
	} else {
		var u32 uint32
		err = binary.Read(f, binary.BigEndian, &u32)
		units = uint64(u32)
	}
	if err != nil {
		return 0, err
	}
	return int(float64(units)/float64(timescale) + 0.5), nil
}

// findAtom scans sibling atoms from the current offset, leaving the reader at
// the body of the first one named name. limit bounds the scan in bytes; a
// negative limit scans to EOF. It returns the body size.
func findAtom(f io.ReadSeeker, name string, limit int64) (int64, error) {
	for read := int64(0); limit < 0 || read < limit; {
		var head [8]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			return 0, fmt.Errorf("atom %s not found: %w", name, err)
		}
		size := int64(binary.BigEndian.Uint32(head[:4]))
		if size < 8 {
			return 0, errors.New("invalid atom size")
		}
		if string(head[4:]) == name {
			return size - 8, nil
		}
		if _, err := f.Seek(size-8, io.SeekCurrent); err != nil {
			return 0, err
		}
		read += size
	}
	return 0, fmt.Errorf("atom %s not found", name)
}

func estimateFromSize(f *os.File, bitrate int64) (int, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return int(st.Size() * 8 / bitrate), nil
}
