package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/aahalife/echo-tts/internal/store"
	"github.com/aahalife/echo-tts/internal/tts"
)

type RouterConfig struct {
	// APIKey protects the voice and synthesis endpoints. Empty means open
	// mode: every request is allowed through.
	APIKey string

	// Defaults are the generation parameters applied when a request does
	// not override them.
	Defaults tts.Params
}

// VoiceStore is the registry surface the handlers need. *store.Store
// satisfies it; a nil VoiceStore means storage is not configured and the
// voice endpoints degrade accordingly.
type VoiceStore interface {
	ListVoices(ctx context.Context) ([]store.VoiceSummary, error)
	GetVoice(ctx context.Context, id string) (*store.Voice, error)
	CreateVoice(ctx context.Context, nv store.NewVoice) (*store.Voice, error)
	DeleteVoice(ctx context.Context, id string) error
	SpeakerAudioURL(ctx context.Context, id string) (string, error)
}

type Router struct {
	cfg    RouterConfig
	logger *log.Logger
	store  VoiceStore
	engine tts.Client
	mux    *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, vs VoiceStore, engine tts.Client) http.Handler {
	r := &Router{
		cfg:    cfg,
		logger: logger,
		store:  vs,
		engine: engine,
		mux:    http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Public endpoints
	r.mux.HandleFunc("GET /{$}", r.handleIndex)
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Voice registry (protected)
	r.mux.HandleFunc("GET /voices", r.withAuth(r.handleListVoices))
	r.mux.HandleFunc("POST /voices", r.withAuth(r.handleCreateVoice))
	r.mux.HandleFunc("GET /voices/{id}", r.withAuth(r.handleGetVoice))
	r.mux.HandleFunc("DELETE /voices/{id}", r.withAuth(r.handleDeleteVoice))

	// Synthesis (protected)
	r.mux.HandleFunc("POST /tts", r.withAuth(r.handleTTS))
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "echo-tts-api",
		"timestamp": nowUTC().Format(time.RFC3339),
	})
}

func (r *Router) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "Echo-TTS REST API",
		"version":     "1.0.0",
		"description": "Voice cloning and text-to-speech API powered by Echo-TTS",
		"endpoints": map[string]string{
			"GET /health":         "Health check",
			"GET /voices":         "List all registered voices",
			"GET /voices/{id}":    "Get voice details",
			"POST /voices":        "Register a new voice",
			"DELETE /voices/{id}": "Delete a registered voice",
			"POST /tts":           "Generate speech from text",
		},
		"defaults": r.cfg.Defaults,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error shape shared by every endpoint.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if req.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
