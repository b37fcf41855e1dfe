package tts

import "context"

// Client defines the interface for Echo-TTS synthesis backends.
type Client interface {
	// Synthesize generates speech for the request and returns WAV audio data.
	// Generation can take minutes on a cold backend; cancellation is left to
	// the context.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// Params are the generation parameters understood by the Echo-TTS model.
type Params struct {
	PresetName      string  `json:"preset_name"`
	NumSteps        int     `json:"num_steps"`
	RNGSeed         int     `json:"rng_seed"`
	SpeakerKVEnable bool    `json:"speaker_kv_enable"`
	SpeakerKVScale  float64 `json:"speaker_kv_scale"`
}

// DefaultParams returns the generation defaults applied when a request does
// not override them.
func DefaultParams() Params {
	return Params{
		PresetName:      "Independent (High Speaker CFG)",
		NumSteps:        40,
		RNGSeed:         0,
		SpeakerKVEnable: true,
		SpeakerKVScale:  1.5,
	}
}

// Overrides carries per-request parameter overrides. A nil field keeps the
// base value, so each knob can be overridden independently.
type Overrides struct {
	PresetName      *string
	NumSteps        *int
	RNGSeed         *int
	SpeakerKVEnable *bool
	SpeakerKVScale  *float64
}

// Merge returns p with the non-nil overrides applied.
func (p Params) Merge(o Overrides) Params {
	if o.PresetName != nil {
		p.PresetName = *o.PresetName
	}
	if o.NumSteps != nil {
		p.NumSteps = *o.NumSteps
	}
	if o.RNGSeed != nil {
		p.RNGSeed = *o.RNGSeed
	}
	if o.SpeakerKVEnable != nil {
		p.SpeakerKVEnable = *o.SpeakerKVEnable
	}
	if o.SpeakerKVScale != nil {
		p.SpeakerKVScale = *o.SpeakerKVScale
	}
	return p
}

// SpeakerRef points at the reference audio used for voice cloning.
// Exactly one field is set: Path names a local file the client ships to the
// backend, URL is a remote address the backend fetches itself.
type SpeakerRef struct {
	Path string
	URL  string
}

// Request is a single synthesis request.
type Request struct {
	Text    string
	Speaker SpeakerRef
	Params  Params
}
