package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// EndpointClient implements Client against a self-hosted Echo-TTS deployment
// that exposes a plain POST /tts endpoint returning WAV bytes.
type EndpointClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// EndpointConfig holds configuration for the endpoint client.
type EndpointConfig struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token      string
	HTTPClient *http.Client
}

// NewEndpointClient creates a client for a direct deployment.
func NewEndpointClient(cfg EndpointConfig) *EndpointClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &EndpointClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: hc,
	}
}

// endpointRequest is the JSON body the deployment accepts. The speaker is
// either inline base64 audio or a URL the deployment fetches itself.
type endpointRequest struct {
	Text            string  `json:"text"`
	AudioBase64     string  `json:"audio_base64,omitempty"`
	SpeakerAudioURL string  `json:"speaker_audio_url,omitempty"`
	PresetName      string  `json:"preset_name"`
	NumSteps        int     `json:"num_steps"`
	RNGSeed         int     `json:"rng_seed"`
	SpeakerKVEnable bool    `json:"speaker_kv_enable"`
	SpeakerKVScale  float64 `json:"speaker_kv_scale"`
}

// Synthesize posts the request to the deployment and returns the WAV bytes.
func (c *EndpointClient) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	body := endpointRequest{
		Text:            req.Text,
		PresetName:      req.Params.PresetName,
		NumSteps:        req.Params.NumSteps,
		RNGSeed:         req.Params.RNGSeed,
		SpeakerKVEnable: req.Params.SpeakerKVEnable,
		SpeakerKVScale:  req.Params.SpeakerKVScale,
	}

	switch {
	case req.Speaker.Path != "":
		audio, err := os.ReadFile(req.Speaker.Path)
		if err != nil {
			return nil, fmt.Errorf("read speaker audio: %w", err)
		}
		body.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
	case req.Speaker.URL != "":
		body.SpeakerAudioURL = req.Speaker.URL
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("endpoint error: %s - %s", resp.Status, string(respBody))
	}

	return io.ReadAll(resp.Body)
}
