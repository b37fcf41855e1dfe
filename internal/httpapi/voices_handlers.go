package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/aahalife/echo-tts/internal/store"
)

const maxVoiceUploadBytes = 32 << 20

// handleListVoices returns summaries of every registered voice. Listing is
// best-effort: an unconfigured or unreachable store degrades to an empty
// list with a note instead of an error.
func (r *Router) handleListVoices(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"voices": []store.VoiceSummary{},
			"note":   "Storage not configured",
		})
		return
	}

	voices, err := r.store.ListVoices(req.Context())
	if err != nil {
		r.logger.Printf("voices: list failed: %v", err)
		captureError(req, err, "list voices")
		writeJSON(w, http.StatusOK, map[string]any{
			"voices": []store.VoiceSummary{},
			"note":   "Storage unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

// handleCreateVoice registers a new voice from a multipart upload with an
// "audio" file part and optional id, name and description fields.
func (r *Router) handleCreateVoice(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Storage not configured")
		return
	}

	ct, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || ct != "multipart/form-data" {
		writeError(w, http.StatusBadRequest, "Content-Type must be multipart/form-data")
		return
	}
	if err := req.ParseMultipartForm(maxVoiceUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, header, err := req.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read audio file")
		return
	}

	v, err := r.store.CreateVoice(req.Context(), store.NewVoice{
		ID:          req.FormValue("id"),
		Name:        req.FormValue("name"),
		Description: req.FormValue("description"),
		Filename:    header.Filename,
		Audio:       audio,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidVoiceID):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrVoiceExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			r.logger.Printf("voices: create failed: %v", err)
			captureError(req, err, "create voice")
			writeError(w, http.StatusInternalServerError, "Failed to create voice: "+err.Error())
		}
		return
	}

	r.logger.Printf("voices: registered %s (%d bytes)", v.ID, v.FileSize)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":         v.ID,
		"name":       v.Name,
		"created_at": v.CreatedAt,
		"message":    "Voice registered successfully",
	})
}

func (r *Router) handleGetVoice(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Storage not configured")
		return
	}

	id := req.PathValue("id")
	v, err := r.store.GetVoice(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		r.logger.Printf("voices: get %s failed: %v", id, err)
		captureError(req, err, "get voice")
		writeError(w, http.StatusInternalServerError, "Failed to get voice: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, v)
}

func (r *Router) handleDeleteVoice(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Storage not configured")
		return
	}

	id := req.PathValue("id")
	if err := r.store.DeleteVoice(req.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		r.logger.Printf("voices: delete %s failed: %v", id, err)
		captureError(req, err, "delete voice")
		writeError(w, http.StatusInternalServerError, "Failed to delete voice: "+err.Error())
		return
	}

	r.logger.Printf("voices: deleted %s", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Voice deleted: " + id})
}
