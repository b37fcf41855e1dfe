package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func postTTSJSON(t *testing.T, r *Router, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/tts", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.handleTTS(rec, req)
	return rec
}

func TestHandleTTSNoEngine(t *testing.T) {
	r := newTestRouter(nil, nil)

	rec := postTTSJSON(t, r, map[string]any{"text": "Hello"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if msg := errorMessage(t, rec.Body); msg != "TTS backend not configured" {
		t.Errorf("error = %q", msg)
	}
}

func TestHandleTTSValidation(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantMessage string
	}{
		{
			name:        "unsupported content type",
			contentType: "text/plain",
			body:        "Hello",
			wantMessage: "Content-Type must be application/json or multipart/form-data",
		},
		{
			name:        "invalid json",
			contentType: "application/json",
			body:        "{not json",
			wantMessage: "Invalid JSON body",
		},
		{
			name:        "invalid base64 audio",
			contentType: "application/json",
			body:        `{"text": "Hello", "audio": "!!not-base64!!"}`,
			wantMessage: "Invalid base64 audio",
		},
		{
			name:        "missing text",
			contentType: "application/json",
			body:        `{"voice_id": "alice"}`,
			wantMessage: "Text is required",
		},
		{
			name:        "no speaker source",
			contentType: "application/json",
			body:        `{"text": "Hello"}`,
			wantMessage: "Either voice_id or audio must be provided",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(newFakeVoiceStore(), &fakeEngine{})

			req := httptest.NewRequest(http.MethodPost, "/tts", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			r.handleTTS(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if msg := errorMessage(t, rec.Body); msg != tt.wantMessage {
				t.Errorf("error = %q, want %q", msg, tt.wantMessage)
			}
		})
	}
}

func TestHandleTTSVoiceNotFound(t *testing.T) {
	engine := &fakeEngine{audio: []byte("wav")}
	r := newTestRouter(newFakeVoiceStore(), engine)

	rec := postTTSJSON(t, r, map[string]any{"text": "Hello", "voice_id": "ghost"})

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if msg := errorMessage(t, rec.Body); msg != "Voice not found: ghost" {
		t.Errorf("error = %q", msg)
	}
	if engine.calls != 0 {
		t.Errorf("engine called %d times for an unknown voice", engine.calls)
	}
}

func TestHandleTTSWithVoiceID(t *testing.T) {
	fs := newFakeVoiceStore()
	fs.add("alice", "Alice")
	engine := &fakeEngine{audio: []byte("RIFF-generated")}
	r := newTestRouter(fs, engine)

	rec := postTTSJSON(t, r, map[string]any{"text": "Hello there", "voice_id": "alice"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="output.wav"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte("RIFF-generated")) {
		t.Errorf("body = %q", rec.Body.Bytes())
	}

	if engine.lastReq.Speaker.URL != "https://signed.example.com/voices/alice.wav" {
		t.Errorf("speaker url = %q", engine.lastReq.Speaker.URL)
	}
	if engine.lastReq.Text != "[S1] Hello there" {
		t.Errorf("text = %q", engine.lastReq.Text)
	}
}

func TestHandleTTSVoiceIDWithoutStore(t *testing.T) {
	r := newTestRouter(nil, &fakeEngine{})

	rec := postTTSJSON(t, r, map[string]any{"text": "Hello", "voice_id": "alice"})

	// Without storage a voice id cannot resolve, so the request is treated
	// as having no speaker source.
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := errorMessage(t, rec.Body); msg != "Either voice_id or audio must be provided" {
		t.Errorf("error = %q", msg)
	}
}

func TestHandleTTSInlineAudio(t *testing.T) {
	engine := &fakeEngine{audio: []byte("wav-out")}
	r := newTestRouter(nil, engine)

	speaker := []byte("RIFF-speaker-sample")
	rec := postTTSJSON(t, r, map[string]any{
		"text":  "Hello",
		"audio": base64.StdEncoding.EncodeToString(speaker),
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	path := engine.lastReq.Speaker.Path
	if path == "" {
		t.Fatal("speaker path is empty")
	}
	if engine.fileErr != nil {
		t.Fatalf("engine could not read speaker file: %v", engine.fileErr)
	}
	if !bytes.Equal(engine.fileBytes, speaker) {
		t.Errorf("speaker file contents = %q, want %q", engine.fileBytes, speaker)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temp file %s still exists after request", path)
	}
}

func TestHandleTTSInlineAudioCleanupOnError(t *testing.T) {
	engine := &fakeEngine{err: errors.New("GPU quota exceeded")}
	r := newTestRouter(nil, engine)

	rec := postTTSJSON(t, r, map[string]any{
		"text":  "Hello",
		"audio": base64.StdEncoding.EncodeToString([]byte("sample")),
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if msg := errorMessage(t, rec.Body); msg != "TTS generation failed: GPU quota exceeded" {
		t.Errorf("error = %q", msg)
	}
	if path := engine.lastReq.Speaker.Path; path != "" {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("temp file %s still exists after failed request", path)
		}
	}
}

func TestHandleTTSSpeakerAudioURL(t *testing.T) {
	engine := &fakeEngine{audio: []byte("wav")}
	r := newTestRouter(nil, engine)

	rec := postTTSJSON(t, r, map[string]any{
		"text":              "Hello",
		"speaker_audio_url": "https://example.com/ref.wav",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if engine.lastReq.Speaker.URL != "https://example.com/ref.wav" {
		t.Errorf("speaker url = %q", engine.lastReq.Speaker.URL)
	}
}

func TestHandleTTSSpeakerPriority(t *testing.T) {
	fs := newFakeVoiceStore()
	fs.add("alice", "Alice")
	engine := &fakeEngine{audio: []byte("wav")}
	r := newTestRouter(fs, engine)

	// All three sources supplied: the registered voice wins.
	rec := postTTSJSON(t, r, map[string]any{
		"text":              "Hello",
		"voice_id":          "alice",
		"audio":             base64.StdEncoding.EncodeToString([]byte("inline")),
		"speaker_audio_url": "https://example.com/ref.wav",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if engine.lastReq.Speaker.URL != "https://signed.example.com/voices/alice.wav" {
		t.Errorf("speaker url = %q, want the registered voice", engine.lastReq.Speaker.URL)
	}
	if engine.lastReq.Speaker.Path != "" {
		t.Errorf("speaker path = %q, want empty", engine.lastReq.Speaker.Path)
	}
}

func TestHandleTTSTextPrefix(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Hello world", "[S1] Hello world"},
		{"[S1] Hi", "[S1] Hi"},
		{"[S2] Other speaker", "[S2] Other speaker"},
		{"  [S1] padded", "  [S1] padded"},
	}

	for _, tt := range tests {
		engine := &fakeEngine{audio: []byte("wav")}
		r := newTestRouter(nil, engine)

		rec := postTTSJSON(t, r, map[string]any{
			"text":              tt.text,
			"speaker_audio_url": "https://example.com/ref.wav",
		})

		if rec.Code != http.StatusOK {
			t.Fatalf("text %q: status = %d", tt.text, rec.Code)
		}
		if engine.lastReq.Text != tt.want {
			t.Errorf("text %q forwarded as %q, want %q", tt.text, engine.lastReq.Text, tt.want)
		}
	}
}

func TestHandleTTSJSONOverrides(t *testing.T) {
	engine := &fakeEngine{audio: []byte("wav")}
	r := newTestRouter(nil, engine)

	rec := postTTSJSON(t, r, map[string]any{
		"text":              "Hello",
		"speaker_audio_url": "https://example.com/ref.wav",
		"num_steps":         12,
		"rng_seed":          7,
		"speaker_kv_enable": false,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	p := engine.lastReq.Params
	if p.NumSteps != 12 {
		t.Errorf("num_steps = %d, want 12", p.NumSteps)
	}
	if p.RNGSeed != 7 {
		t.Errorf("rng_seed = %d, want 7", p.RNGSeed)
	}
	if p.SpeakerKVEnable {
		t.Error("speaker_kv_enable = true, want false")
	}
	// Untouched knobs keep their defaults.
	if p.PresetName != "Independent (High Speaker CFG)" {
		t.Errorf("preset_name = %q", p.PresetName)
	}
	if p.SpeakerKVScale != 1.5 {
		t.Errorf("speaker_kv_scale = %v, want 1.5", p.SpeakerKVScale)
	}
}

func TestHandleTTSFormOverrides(t *testing.T) {
	engine := &fakeEngine{audio: []byte("wav")}
	r := newTestRouter(nil, engine)

	body, contentType := multipartBody(t, map[string]string{
		"text":              "Hello",
		"num_steps":         "80",
		"speaker_kv_enable": "no",
		"preset_name":       "Standard",
		"rng_seed":          "",
	}, "audio", "ref.wav", []byte("speaker"))

	req := httptest.NewRequest(http.MethodPost, "/tts", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.handleTTS(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	p := engine.lastReq.Params
	if p.NumSteps != 80 {
		t.Errorf("num_steps = %d, want 80", p.NumSteps)
	}
	if p.SpeakerKVEnable {
		t.Error("speaker_kv_enable = true, want false")
	}
	if p.PresetName != "Standard" {
		t.Errorf("preset_name = %q", p.PresetName)
	}
	// Empty form value leaves the default in place.
	if p.RNGSeed != 0 {
		t.Errorf("rng_seed = %d, want 0", p.RNGSeed)
	}
	if engine.lastReq.Speaker.Path == "" {
		t.Error("speaker path is empty")
	}
}

func TestHandleTTSFormBadNumbers(t *testing.T) {
	tests := []struct {
		field       string
		value       string
		wantMessage string
	}{
		{"num_steps", "fast", "num_steps must be an integer"},
		{"rng_seed", "1.5", "rng_seed must be an integer"},
		{"speaker_kv_scale", "big", "speaker_kv_scale must be a number"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			r := newTestRouter(nil, &fakeEngine{})

			body, contentType := multipartBody(t, map[string]string{
				"text":   "Hello",
				tt.field: tt.value,
			}, "audio", "ref.wav", []byte("speaker"))

			req := httptest.NewRequest(http.MethodPost, "/tts", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			r.handleTTS(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if msg := errorMessage(t, rec.Body); msg != tt.wantMessage {
				t.Errorf("error = %q, want %q", msg, tt.wantMessage)
			}
		})
	}
}

func TestParseBoolish(t *testing.T) {
	truthy := []string{"true", "True", "1", "yes", "YES"}
	for _, v := range truthy {
		if !parseBoolish(v) {
			t.Errorf("parseBoolish(%q) = false, want true", v)
		}
	}
	falsy := []string{"false", "0", "no", "off", "anything"}
	for _, v := range falsy {
		if parseBoolish(v) {
			t.Errorf("parseBoolish(%q) = true, want false", v)
		}
	}
}
