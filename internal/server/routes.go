package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jdrivas/roon-rd/internal/api"
	"github.com/jdrivas/roon-rd/internal/apperrors"
	"github.com/jdrivas/roon-rd/internal/images"
	"github.com/jdrivas/roon-rd/internal/roon"
	"github.com/jdrivas/roon-rd/internal/state"
)

func registerStateRoutes(router chi.Router, syncer *state.Syncer, imageCache *images.Cache) {
	router.Method(http.MethodGet, "/v1/status", api.Handler(statusHandler(syncer)))
	router.Method(http.MethodGet, "/v1/zones", api.Handler(zonesHandler(syncer)))
	router.Method(http.MethodGet, "/v1/zones/{zoneID}", api.Handler(zoneHandler(syncer)))
	router.Method(http.MethodGet, "/v1/now-playing", api.Handler(nowPlayingHandler(syncer)))
	router.Method(http.MethodGet, "/v1/queue/{zoneID}", api.Handler(queueHandler(syncer)))
	router.Method(http.MethodPost, "/v1/zones/{zoneID}/control", api.Handler(controlHandler(syncer)))
	router.Method(http.MethodPost, "/v1/zones/{zoneID}/seek", api.Handler(seekHandler(syncer)))
	router.Method(http.MethodPost, "/v1/zones/{zoneID}/mute", api.Handler(muteHandler(syncer)))
	router.Method(http.MethodPost, "/v1/zones/{zoneID}/play-from-here", api.Handler(playFromHereHandler(syncer)))
	router.Method(http.MethodGet, "/v1/image/{imageKey}", api.Handler(imageHandler(imageCache, syncer)))
}

func statusHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		snap := syncer.CurrentState()
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"connected":  snap.Connected,
			"core_name":  snap.CoreName,
			"zone_count": len(snap.Zones),
			"version":    snap.Version,
		})
	}
}

func zonesHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		snap := syncer.CurrentState()
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"zones":     snap.Zones,
			"connected": snap.Connected,
		})
	}
}

func zoneHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		zoneID := chi.URLParam(r, "zoneID")
		zone, ok := syncer.CurrentState().Zone(zoneID)
		if !ok {
			return apperrors.NewZoneNotFoundError(zoneID)
		}
		return api.WriteJSON(w, http.StatusOK, zone)
	}
}

// nowPlayingHandler lists only zones with a loaded track.
func nowPlayingHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		snap := syncer.CurrentState()
		playing := make([]roon.Zone, 0, len(snap.Zones))
		for _, z := range snap.Zones {
			if z.NowPlaying != nil {
				playing = append(playing, z)
			}
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"zones":     playing,
			"connected": snap.Connected,
		})
	}
}

// queueHandler switches the shared queue subscription to the requested zone
// and returns the resident queue once it lands.
func queueHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		zoneID := chi.URLParam(r, "zoneID")
		if _, ok := syncer.CurrentState().Zone(zoneID); !ok {
			return apperrors.NewZoneNotFoundError(zoneID)
		}

		if err := syncer.RequestQueue(r.Context(), zoneID); err != nil {
			switch {
			case errors.Is(err, state.ErrBusy):
				return apperrors.NewBusyError()
			case errors.Is(err, state.ErrDisconnected):
				return apperrors.NewCoreDisconnectedError()
			default:
				return apperrors.NewQueueUnavailableError(zoneID, err)
			}
		}

		snap := syncer.CurrentState()
		if snap.QueueZoneID != zoneID {
			// The subscription moved on between residency and this read.
			return apperrors.NewQueueUnavailableError(zoneID, state.ErrSuperseded)
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"zone_id": zoneID,
			"items":   snap.Queue,
		})
	}
}

func controlHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		zoneID := chi.URLParam(r, "zoneID")
		var body struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return apperrors.NewValidationError("Invalid request body", nil)
		}
		action, ok := roon.ParseControl(body.Action)
		if !ok {
			return apperrors.NewValidationError("Invalid control action: "+body.Action, map[string]any{
				"valid": []string{"play", "pause", "stop", "previous", "next"},
			})
		}
		if _, ok := syncer.CurrentState().Zone(zoneID); !ok {
			return apperrors.NewZoneNotFoundError(zoneID)
		}
		return commandResult(w, zoneID, syncer.Control(r.Context(), zoneID, action))
	}
}

func seekHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		zoneID := chi.URLParam(r, "zoneID")
		var body struct {
			Seconds *int `json:"seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Seconds == nil {
			return apperrors.NewValidationError("Body must carry seconds", nil)
		}
		if *body.Seconds < 0 {
			return apperrors.NewValidationError("seconds must be non-negative", nil)
		}
		if _, ok := syncer.CurrentState().Zone(zoneID); !ok {
			return apperrors.NewZoneNotFoundError(zoneID)
		}
		return commandResult(w, zoneID, syncer.Seek(r.Context(), zoneID, *body.Seconds))
	}
}

func muteHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		zoneID := chi.URLParam(r, "zoneID")
		var body struct {
			Mute *bool `json:"mute"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Mute == nil {
			return apperrors.NewValidationError("Body must carry mute", nil)
		}
		return commandResult(w, zoneID, syncer.Mute(r.Context(), zoneID, *body.Mute))
	}
}

func playFromHereHandler(syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		zoneID := chi.URLParam(r, "zoneID")
		var body struct {
			QueueItemID *uint32 `json:"queue_item_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.QueueItemID == nil {
			return apperrors.NewValidationError("Body must carry queue_item_id", nil)
		}
		if _, ok := syncer.CurrentState().Zone(zoneID); !ok {
			return apperrors.NewZoneNotFoundError(zoneID)
		}
		return commandResult(w, zoneID, syncer.PlayFromQueueItem(r.Context(), zoneID, *body.QueueItemID))
	}
}

func imageHandler(imageCache *images.Cache, syncer *state.Syncer) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		key := chi.URLParam(r, "imageKey")
		img, err := imageCache.GetOrFetch(r.Context(), key)
		if err != nil {
			if !syncer.Connected() {
				return apperrors.NewCoreDisconnectedError()
			}
			return apperrors.NewAppError(apperrors.ErrorCodeImageNotFound, "Image not available: "+key, 404, nil)
		}
		w.Header().Set("Content-Type", img.ContentType)
		w.Header().Set("Cache-Control", "public, max-age=86400")
		_, err = w.Write(img.Data)
		return err
	}
}

// commandResult maps a transport command send into an API response.
func commandResult(w http.ResponseWriter, zoneID string, err error) error {
	if err != nil {
		switch {
		case errors.Is(err, state.ErrZoneNotFound):
			return apperrors.NewZoneNotFoundError(zoneID)
		case errors.Is(err, state.ErrNoOutputs):
			return apperrors.NewValidationError("Zone has no outputs", map[string]any{"zone_id": zoneID})
		case errors.Is(err, state.ErrBusy):
			return apperrors.NewBusyError()
		case errors.Is(err, roon.ErrNotConnected), errors.Is(err, state.ErrDisconnected):
			return apperrors.NewCoreDisconnectedError()
		default:
			return apperrors.NewCommandRejectedError(err.Error())
		}
	}
	return api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "zone_id": zoneID})
}
