package server

import (
	"net/http"
	"time"

	"tandem/internal/dispatch"
	"tandem/internal/player"
	"tandem/internal/state"
	"tandem/pkg/models"
)

// CurrentView is the client rendering of the current item.
type CurrentView struct {
	OrderHash  string        `json:"orderHash"`
	Track      *models.Track `json:"track,omitempty"`
	Pending    bool          `json:"pending,omitempty"`
	Addon      *models.Addon `json:"addon,omitempty"`
	AddonsLeft int           `json:"addonsLeft"`
	Progress   float64       `json:"progress"` // seconds
	IsPlaying  bool          `json:"isPlaying"`
	Origin     state.Origin  `json:"origin"`
}

// StateView is the response of the state and transport endpoints.
type StateView struct {
	Current     *CurrentView `json:"current"`
	Blocked     bool         `json:"blocked"`
	QueueLength int          `json:"queueLength"`
}

func (cs *ControlServer) stateView() any {
	s := cs.dispatcher.State()
	view := StateView{
		Blocked:     s.Blocked,
		QueueLength: s.Playlist.Len(),
	}
	if s.Current == nil {
		return view
	}

	cur := &CurrentView{
		OrderHash:  s.Current.ActiveHash,
		AddonsLeft: len(s.Current.Addons),
		Progress:   s.Current.State.Progress.Seconds(),
		IsPlaying:  s.Current.State.IsPlaying,
		Origin:     s.Current.State.Origin,
	}
	if slot, ok := s.ActiveSlot(); ok {
		cur.Pending = slot.Pending
		if !slot.Pending {
			track := slot.Track
			cur.Track = &track
		}
	}
	if addon, ok := s.Current.TopAddon(); ok {
		cur.Addon = &addon
	}
	view.Current = cur
	return view
}

func (cs *ControlServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	cs.respondJSON(w, http.StatusOK, cs.stateView())
}

// handleTransport dispatches a play/pause style action.
func (cs *ControlServer) handleTransport(a dispatch.Action[state.AppState]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := dispatch.Await(r.Context(), cs.dispatcher.Dispatch(a))
		cs.respondWithOutcome(w, r, err, cs.stateView)
	}
}

func (cs *ControlServer) handleScrub(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Progress *float64 `json:"progress"`
	}
	if verr := decodeJSON(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	if req.Progress == nil || *req.Progress < 0 {
		cs.respondWithValidationError(w, r, ValidationError{
			Field:   "progress",
			Message: "Progress in seconds is required and cannot be negative",
			Code:    "INVALID_PROGRESS",
		})
		return
	}

	progress := time.Duration(*req.Progress * float64(time.Second))
	err := dispatch.Await(r.Context(), cs.dispatcher.Dispatch(player.Scrub{Progress: progress}))
	cs.respondWithOutcome(w, r, err, cs.stateView)
}

func (cs *ControlServer) handleNext(w http.ResponseWriter, r *http.Request) {
	err := dispatch.Await(r.Context(), cs.dispatcher.DispatchCreator(cs.machine.ProceedToNextItem(state.OriginOwn)))
	cs.respondWithOutcome(w, r, err, cs.stateView)
}

func (cs *ControlServer) handlePrevious(w http.ResponseWriter, r *http.Request) {
	err := dispatch.Await(r.Context(), cs.dispatcher.DispatchCreator(cs.machine.GetBackToPreviousItem(state.OriginOwn)))
	cs.respondWithOutcome(w, r, err, cs.stateView)
}

// handleSelect starts a queue slot, playing it unless play is false.
func (cs *ControlServer) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderHash string `json:"orderHash"`
		Play      *bool  `json:"play"`
	}
	if verr := decodeJSON(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	if verr := validateHash("orderHash", req.OrderHash, true); verr != nil {
		cs.respondWithValidationError(w, r, *verr)
		return
	}
	play := req.Play == nil || *req.Play

	err := dispatch.Await(r.Context(), cs.dispatcher.DispatchCreator(cs.machine.PrepareNewTrack(req.OrderHash, play, state.OriginOwn)))
	cs.respondWithOutcome(w, r, err, cs.stateView)
}
