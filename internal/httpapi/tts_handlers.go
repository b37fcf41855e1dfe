package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/aahalife/echo-tts/internal/store"
	"github.com/aahalife/echo-tts/internal/tts"
)

const maxTTSFormBytes = 32 << 20

// ttsRequest is the decoded synthesis request, common to the JSON and
// multipart forms of POST /tts.
type ttsRequest struct {
	Text            string
	VoiceID         string
	Audio           []byte
	SpeakerAudioURL string
	Overrides       tts.Overrides
}

// handleTTS generates speech from text. The speaker reference is resolved
// from, in priority order: a registered voice id, inline audio bytes, or a
// remote audio URL. Generation can take minutes; the request stays open
// until the engine returns.
func (r *Router) handleTTS(w http.ResponseWriter, req *http.Request) {
	if r.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "TTS backend not configured")
		return
	}

	ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	var tr *ttsRequest
	var err error
	switch ct {
	case "application/json":
		tr, err = parseTTSJSON(req)
	case "multipart/form-data":
		tr, err = parseTTSForm(req)
	default:
		writeError(w, http.StatusBadRequest, "Content-Type must be application/json or multipart/form-data")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if tr.Text == "" {
		writeError(w, http.StatusBadRequest, "Text is required")
		return
	}

	params := r.cfg.Defaults.Merge(tr.Overrides)

	var speaker tts.SpeakerRef
	switch {
	case tr.VoiceID != "" && r.store != nil:
		url, err := r.store.SpeakerAudioURL(req.Context(), tr.VoiceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			r.logger.Printf("tts: resolve voice %s: %v", tr.VoiceID, err)
			captureError(req, err, "resolve voice")
			writeError(w, http.StatusInternalServerError, "Failed to resolve voice: "+tr.VoiceID)
			return
		}
		speaker.URL = url
	case len(tr.Audio) > 0:
		path, remove, err := writeSpeakerTemp(tr.Audio)
		if err != nil {
			r.logger.Printf("tts: write speaker audio: %v", err)
			captureError(req, err, "write speaker audio")
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("TTS generation failed: %v", err))
			return
		}
		defer remove()
		speaker.Path = path
	case tr.SpeakerAudioURL != "":
		speaker.URL = tr.SpeakerAudioURL
	default:
		writeError(w, http.StatusBadRequest, "Either voice_id or audio must be provided")
		return
	}

	text := tr.Text
	if !strings.HasPrefix(strings.TrimSpace(text), "[S") {
		text = "[S1] " + text
	}

	audio, err := r.engine.Synthesize(req.Context(), tts.Request{
		Text:    text,
		Speaker: speaker,
		Params:  params,
	})
	if err != nil {
		r.logger.Printf("tts: generation failed: %v", err)
		captureError(req, err, "tts generation")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("TTS generation failed: %v", err))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(audio)))
	w.Header().Set("Content-Disposition", `attachment; filename="output.wav"`)
	_, _ = w.Write(audio)
}

func parseTTSJSON(req *http.Request) (*ttsRequest, error) {
	var body struct {
		Text            string   `json:"text"`
		VoiceID         string   `json:"voice_id"`
		Audio           string   `json:"audio"`
		SpeakerAudioURL string   `json:"speaker_audio_url"`
		PresetName      *string  `json:"preset_name"`
		NumSteps        *int     `json:"num_steps"`
		RNGSeed         *int     `json:"rng_seed"`
		SpeakerKVEnable *bool    `json:"speaker_kv_enable"`
		SpeakerKVScale  *float64 `json:"speaker_kv_scale"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, errors.New("Invalid JSON body")
	}

	tr := &ttsRequest{
		Text:            body.Text,
		VoiceID:         body.VoiceID,
		SpeakerAudioURL: body.SpeakerAudioURL,
		Overrides: tts.Overrides{
			PresetName:      body.PresetName,
			NumSteps:        body.NumSteps,
			RNGSeed:         body.RNGSeed,
			SpeakerKVEnable: body.SpeakerKVEnable,
			SpeakerKVScale:  body.SpeakerKVScale,
		},
	}
	if body.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(body.Audio)
		if err != nil {
			return nil, errors.New("Invalid base64 audio")
		}
		tr.Audio = audio
	}
	return tr, nil
}

func parseTTSForm(req *http.Request) (*ttsRequest, error) {
	if err := req.ParseMultipartForm(maxTTSFormBytes); err != nil {
		return nil, errors.New("Invalid multipart form")
	}

	tr := &ttsRequest{
		Text:            req.FormValue("text"),
		VoiceID:         req.FormValue("voice_id"),
		SpeakerAudioURL: req.FormValue("speaker_audio_url"),
	}

	if file, _, err := req.FormFile("audio"); err == nil {
		audio, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, errors.New("Failed to read audio file")
		}
		tr.Audio = audio
	}

	// Empty form values count as absent, matching the JSON form.
	if v := req.FormValue("preset_name"); v != "" {
		tr.Overrides.PresetName = &v
	}
	if v := req.FormValue("num_steps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("num_steps must be an integer")
		}
		tr.Overrides.NumSteps = &n
	}
	if v := req.FormValue("rng_seed"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("rng_seed must be an integer")
		}
		tr.Overrides.RNGSeed = &n
	}
	if v := req.FormValue("speaker_kv_enable"); v != "" {
		b := parseBoolish(v)
		tr.Overrides.SpeakerKVEnable = &b
	}
	if v := req.FormValue("speaker_kv_scale"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("speaker_kv_scale must be a number")
		}
		tr.Overrides.SpeakerKVScale = &f
	}
	return tr, nil
}

// parseBoolish mirrors the permissive truthiness of form values: "true",
// "1" and "yes" enable, anything else disables.
func parseBoolish(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// writeSpeakerTemp materializes inline speaker audio to a file the engine
// can reference. The returned func removes it.
func writeSpeakerTemp(audio []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "echo-tts-*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(audio); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	name := f.Name()
	return name, func() { _ = os.Remove(name) }, nil
}
