package models

// Track represents a music track known to the player
type Track struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	ArtistID    int    `json:"artistId"`
	Album       string `json:"album"`
	TrackNumber int    `json:"trackNumber"`
	Duration    int    `json:"duration"` // in seconds
	URL         string `json:"url"`      // what the media engine loads
	FilePath    string `json:"-"`        // set for locally imported files only
	FileSize    int64  `json:"fileSize,omitempty"`
}

// AddonKind classifies ancillary audio played before a track
type AddonKind string

const (
	AddonCommentary    AddonKind = "commentary"
	AddonBio           AddonKind = "bio"
	AddonAdvertisement AddonKind = "advertisement"
)

// Addon is ancillary audio content queued to play right before a track
type Addon struct {
	ID       int       `json:"id"`
	Kind     AddonKind `json:"kind"`
	TrackID  int       `json:"trackId,omitempty"`  // set for per-track addons
	ArtistID int       `json:"artistId,omitempty"` // set for per-artist addons
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Duration int       `json:"duration"` // in seconds
	Priority int       `json:"priority"` // lower plays first
	// Repeatable addons may play again before a track they already preceded
	Repeatable bool `json:"repeatable,omitempty"`
}
