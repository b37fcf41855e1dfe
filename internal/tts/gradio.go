package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// apiName is the named generation endpoint exposed by the Echo-TTS demo app.
const apiName = "generate_audio_simple"

// maxSSELineBytes bounds a single line of the call event stream.
const maxSSELineBytes = 10 << 20

// GradioConfig holds configuration for a Hugging Face Space client.
type GradioConfig struct {
	// Space is an "owner/name" space id or a full base URL.
	Space string
	// Token is an optional Hugging Face access token for private spaces.
	Token      string
	HTTPClient *http.Client
}

// GradioClient implements Client against a gradio app hosting the Echo-TTS
// demo. It speaks both the current event-stream protocol and the legacy
// websocket queue used by gradio 3.x spaces, picking one from the app config.
type GradioClient struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu  sync.Mutex
	cfg *spaceConfig
}

// NewGradioClient creates a client for the given space.
func NewGradioClient(cfg GradioConfig) *GradioClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &GradioClient{
		baseURL:    spaceBaseURL(cfg.Space),
		token:      cfg.Token,
		httpClient: hc,
	}
}

// spaceBaseURL converts an "owner/name" space id into its subdomain URL.
// Full http(s) URLs pass through unchanged.
func spaceBaseURL(space string) string {
	if strings.HasPrefix(space, "http://") || strings.HasPrefix(space, "https://") {
		return strings.TrimSuffix(space, "/")
	}
	var b strings.Builder
	for _, r := range strings.ToLower(space) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return "https://" + b.String() + ".hf.space"
}

// spaceConfig is the subset of the gradio app config the client needs.
type spaceConfig struct {
	Protocol     string `json:"protocol"`
	APIPrefix    string `json:"api_prefix"`
	Dependencies []struct {
		ID      int    `json:"id"`
		APIName string `json:"api_name"`
	} `json:"dependencies"`
}

// fnIndex locates the queue function index for the generation endpoint.
// Legacy spaces identify functions by their position in the dependency list.
func (cfg *spaceConfig) fnIndex() int {
	for i, dep := range cfg.Dependencies {
		if dep.APIName == apiName {
			return i
		}
	}
	return 0
}

// config fetches the space's app config once and caches it.
func (c *GradioClient) config(ctx context.Context) (*spaceConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg != nil {
		return c.cfg, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch space config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch space config: %s", resp.Status)
	}

	var cfg spaceConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode space config: %w", err)
	}
	c.cfg = &cfg
	return c.cfg, nil
}

func (c *GradioClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Synthesize runs one generation on the space and returns the WAV bytes.
func (c *GradioClient) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return nil, err
	}

	legacy := cfg.Protocol == "ws"
	speaker, err := c.speakerFile(ctx, cfg, req.Speaker, legacy)
	if err != nil {
		return nil, err
	}

	data := buildData(req, speaker)
	if legacy {
		return c.synthesizeWS(ctx, cfg, data)
	}
	return c.synthesizeSSE(ctx, cfg, data)
}

// buildData assembles the positional payload for the generation endpoint:
// text prompt, speaker audio, preset name, rng seed, step count, speaker kv
// flag and speaker kv scale.
func buildData(req Request, speaker any) []any {
	return []any{
		req.Text,
		speaker,
		req.Params.PresetName,
		req.Params.RNGSeed,
		req.Params.NumSteps,
		req.Params.SpeakerKVEnable,
		req.Params.SpeakerKVScale,
	}
}

// speakerFile prepares the reference-audio payload element. Local files are
// uploaded to the space first. Current spaces fetch remote URLs themselves;
// the legacy queue protocol needs the bytes uploaded on its behalf.
func (c *GradioClient) speakerFile(ctx context.Context, cfg *spaceConfig, sp SpeakerRef, legacy bool) (any, error) {
	switch {
	case sp.Path != "":
		f, err := os.Open(sp.Path)
		if err != nil {
			return nil, fmt.Errorf("open speaker audio: %w", err)
		}
		defer f.Close()
		serverPath, err := c.upload(ctx, cfg, filepath.Base(sp.Path), f)
		if err != nil {
			return nil, err
		}
		return fileData(serverPath, "", legacy), nil
	case sp.URL != "":
		if !legacy {
			return fileData(sp.URL, sp.URL, false), nil
		}
		audio, err := c.download(ctx, sp.URL)
		if err != nil {
			return nil, err
		}
		serverPath, err := c.upload(ctx, cfg, "speaker.wav", bytes.NewReader(audio))
		if err != nil {
			return nil, err
		}
		return fileData(serverPath, "", true), nil
	}
	return nil, errors.New("no speaker audio provided")
}

// fileData builds the wire representation of a file input. Legacy spaces use
// the gradio 3.x shape, current ones the FileData meta object.
func fileData(path, url string, legacy bool) map[string]any {
	if legacy {
		return map[string]any{"name": path, "data": nil, "is_file": true}
	}
	fd := map[string]any{
		"path": path,
		"meta": map[string]any{"_type": "gradio.FileData"},
	}
	if url != "" {
		fd["url"] = url
	}
	return fd
}

// upload ships a file to the space and returns the server-side path.
func (c *GradioClient) upload(ctx context.Context, cfg *spaceConfig, name string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, data); err != nil {
		return "", fmt.Errorf("copy speaker audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cfg.APIPrefix+"/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload speaker audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload speaker audio: %s - %s", resp.Status, string(body))
	}

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if len(paths) == 0 || paths[0] == "" {
		return "", errors.New("upload returned no file path")
	}
	return paths[0], nil
}

// synthesizeSSE submits the call to the named endpoint and follows its
// server-sent event stream until the space reports completion.
func (c *GradioClient) synthesizeSSE(ctx context.Context, cfg *spaceConfig, data []any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return nil, fmt.Errorf("marshal call payload: %w", err)
	}

	callURL := c.baseURL + cfg.APIPrefix + "/call/" + apiName
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit call: %w", err)
	}
	var submit struct {
		EventID string `json:"event_id"`
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("submit call: %s - %s", resp.Status, string(body))
	}
	err = json.NewDecoder(resp.Body).Decode(&submit)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("decode call response: %w", err)
	}
	if submit.EventID == "" {
		return nil, errors.New("space accepted call without an event id")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, callURL+"/"+submit.EventID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)

	resp, err = c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open event stream: %s", resp.Status)
	}

	var event, eventData, output string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	for scanner.Scan() && output == "" {
		line := scanner.Text()
		switch {
		case line == "":
			switch event {
			case "complete":
				output = eventData
			case "error":
				return nil, spaceError(eventData)
			}
			event, eventData = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			eventData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if output == "" {
		// A final event may arrive without a trailing blank line.
		switch event {
		case "complete":
			output = eventData
		case "error":
			return nil, spaceError(eventData)
		}
	}
	if output == "" {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		return nil, errors.New("event stream ended before completion")
	}

	var results []json.RawMessage
	if err := json.Unmarshal([]byte(output), &results); err != nil {
		return nil, fmt.Errorf("decode generation output: %w", err)
	}
	if len(results) == 0 {
		return nil, errors.New("no audio generated")
	}
	return c.downloadResult(ctx, cfg, results[0])
}

// spaceError shapes the data payload of an error event into an error.
func spaceError(data string) error {
	if data == "" || data == "null" {
		return errors.New("space reported an error")
	}
	var msg string
	if err := json.Unmarshal([]byte(data), &msg); err == nil && msg != "" {
		return fmt.Errorf("space reported an error: %s", msg)
	}
	return fmt.Errorf("space reported an error: %s", data)
}

// wsMessage is one message on the legacy queue websocket.
type wsMessage struct {
	Msg     string `json:"msg"`
	Success bool   `json:"success"`
	Output  struct {
		Data  []json.RawMessage `json:"data"`
		Error string            `json:"error"`
	} `json:"output"`
}

// synthesizeWS runs the gradio 3.x queue flow: join, wait for the hash and
// data prompts, then read until the process completes.
func (c *GradioClient) synthesizeWS(ctx context.Context, cfg *spaceConfig, data []any) ([]byte, error) {
	wsURL := wsBaseURL(c.baseURL) + "/queue/join"
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial space queue: %w", err)
	}
	defer conn.Close()

	// Closing the connection is the only way to unblock reads on cancel.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sessionHash := uuid.NewString()
	fnIndex := cfg.fnIndex()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read queue message: %w", err)
		}

		switch msg.Msg {
		case "send_hash":
			if err := conn.WriteJSON(map[string]any{"session_hash": sessionHash, "fn_index": fnIndex}); err != nil {
				return nil, fmt.Errorf("join queue: %w", err)
			}
		case "send_data":
			if err := conn.WriteJSON(map[string]any{"data": data, "fn_index": fnIndex, "session_hash": sessionHash}); err != nil {
				return nil, fmt.Errorf("send inputs: %w", err)
			}
		case "process_completed":
			if !msg.Success {
				if msg.Output.Error != "" {
					return nil, fmt.Errorf("space reported an error: %s", msg.Output.Error)
				}
				return nil, errors.New("space reported an error")
			}
			if len(msg.Output.Data) == 0 {
				return nil, errors.New("no audio generated")
			}
			return c.downloadResult(ctx, cfg, msg.Output.Data[0])
		case "queue_full":
			return nil, errors.New("space queue is full")
		}
		// estimation and process_* messages are progress only
	}
}

// downloadResult resolves the generated file reference and downloads it.
func (c *GradioClient) downloadResult(ctx context.Context, cfg *spaceConfig, raw json.RawMessage) ([]byte, error) {
	// Spaces return either a file reference object or a bare path string.
	var ref struct {
		Path string `json:"path"`
		URL  string `json:"url"`
		Name string `json:"name"` // gradio 3.x field
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 != nil {
			return nil, fmt.Errorf("decode generated file reference: %w", err)
		}
		ref.Path = s
	}

	url := ref.URL
	if url == "" {
		path := ref.Path
		if path == "" {
			path = ref.Name
		}
		if path == "" {
			return nil, errors.New("no audio generated")
		}
		url = c.baseURL + cfg.APIPrefix + "/file=" + path
	}
	return c.download(ctx, url)
}

func (c *GradioClient) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download audio: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// wsBaseURL converts the space's http(s) base into its websocket form.
func wsBaseURL(base string) string {
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return "wss://" + base
}
