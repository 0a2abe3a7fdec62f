package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tandem/internal/dispatch"
	"tandem/internal/player"
	"tandem/pkg/models"
)

// QueueEntry is one slot of the queue in play order.
type QueueEntry struct {
	OrderHash string        `json:"orderHash"`
	Track     *models.Track `json:"track,omitempty"`
	TrackID   int           `json:"trackId"`
	Pending   bool          `json:"pending,omitempty"`
	Active    bool          `json:"active,omitempty"`
}

// queueView renders the queue, or an error value while it is inconsistent.
func (cs *ControlServer) queueView() (any, error) {
	s := cs.dispatcher.State()
	ordered, err := s.Playlist.OrderedTracks()
	if err != nil {
		return nil, err
	}

	active := ""
	if s.Current != nil {
		active = s.Current.ActiveHash
	}
	entries := make([]QueueEntry, 0, len(ordered))
	for _, ot := range ordered {
		e := QueueEntry{
			OrderHash: ot.OrderHash,
			TrackID:   ot.Track.ID,
			Pending:   ot.Pending,
			Active:    ot.OrderHash == active,
		}
		if !ot.Pending {
			track := ot.Track
			e.Track = &track
		}
		entries = append(entries, e)
	}
	return map[string]any{"queue": entries}, nil
}

func (cs *ControlServer) respondWithQueue(w http.ResponseWriter, r *http.Request, err error) {
	var view any
	if err == nil {
		view, err = cs.queueView()
	}
	cs.respondWithOutcome(w, r, err, func() any { return view })
}

func (cs *ControlServer) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	cs.respondWithQueue(w, r, nil)
}

// handleInsert queues tracks by ID after a slot, or at the head.
func (cs *ControlServer) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackIDs []int  `json:"trackIds"`
		After    string `json:"after"`
	}
	if verr := decodeJSON(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	if verr := validateTrackIDs(req.TrackIDs); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	if verr := validateHash("after", req.After, false); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}

	found, err := cs.tracks.FetchTracksByIDs(r.Context(), req.TrackIDs)
	if err != nil {
		cs.respondWithError(w, r, http.StatusBadGateway, "track lookup failed", err)
		return
	}
	byID := make(map[int]models.Track, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	tracks := make([]models.Track, 0, len(req.TrackIDs))
	var unknown []int
	for _, id := range req.TrackIDs {
		t, ok := byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		tracks = append(tracks, t)
	}
	if len(unknown) > 0 {
		cs.respondJSON(w, http.StatusNotFound, map[string]any{
			"error":   "unknown tracks",
			"unknown": unknown,
			"success": false,
		})
		return
	}

	err = dispatch.Await(r.Context(), cs.dispatcher.Dispatch(player.InsertTracks{Tracks: tracks, After: req.After}))
	cs.respondWithQueue(w, r, err)
}

func (cs *ControlServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if verr := validateHash("hash", hash, true); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}

	err := dispatch.Await(r.Context(), cs.dispatcher.Dispatch(player.DeleteSlot{Hash: hash}))
	cs.respondWithQueue(w, r, err)
}

func (cs *ControlServer) handleMove(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var req struct {
		After string `json:"after"`
	}
	if verr := decodeJSON(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	for _, verr := range []*ValidationError{
		validateHash("hash", hash, true),
		validateHash("after", req.After, false),
	} {
		if verr != nil {
			cs.respondWithValidationError(w, r, *verr)
			return
		}
	}

	err := dispatch.Await(r.Context(), cs.dispatcher.Dispatch(player.MoveSlot{Hash: hash, After: req.After}))
	cs.respondWithQueue(w, r, err)
}

// handleGetTracks lists or searches the local catalog.
func (cs *ControlServer) handleGetTracks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("search")
	if verr := validateSearchQuery(query); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}

	var (
		tracks []models.Track
		err    error
	)
	if query == "" {
		tracks, err = cs.library.GetAllTracks()
	} else {
		tracks, err = cs.library.SearchTracks(query)
	}
	if err != nil {
		cs.respondWithError(w, r, http.StatusInternalServerError, "failed to load tracks", err)
		return
	}
	if tracks == nil {
		tracks = []models.Track{}
	}
	cs.respondJSON(w, http.StatusOK, map[string]any{"tracks": tracks, "count": len(tracks)})
}
