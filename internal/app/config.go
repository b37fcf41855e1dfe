package app

import (
	"os"
	"strconv"
	"strings"

	"github.com/aahalife/echo-tts/internal/tts"
)

// StorageConfig holds the S3-compatible object store settings for the
// voice registry. The registry is optional: with no bucket configured the
// voice endpoints degrade instead of failing at startup.
type StorageConfig struct {
	Endpoint        string // custom endpoint for MinIO/R2; empty means AWS
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string // public address serving the bucket, if any
}

func (s StorageConfig) Configured() bool {
	return s.Bucket != ""
}

type Config struct {
	HTTPAddr  string
	APIKey    string // empty means open mode
	SentryDSN string

	// TTS backends. A direct endpoint deployment takes precedence over
	// the Hugging Face Space.
	HFSpace          string
	HFToken          string
	TTSEndpointURL   string
	TTSEndpointToken string

	Storage  StorageConfig
	Defaults tts.Params
}

func LoadConfigFromEnv() Config {
	defaults := tts.DefaultParams()
	defaults.PresetName = getenv("TTS_PRESET_NAME", defaults.PresetName)
	defaults.NumSteps = getenvIntClamped("TTS_NUM_STEPS", defaults.NumSteps, 1, 200)
	defaults.RNGSeed = getenvIntClamped("TTS_RNG_SEED", defaults.RNGSeed, 0, 1<<31-1)
	defaults.SpeakerKVEnable = getenvBool("TTS_KV_ENABLE", defaults.SpeakerKVEnable)
	defaults.SpeakerKVScale = getenvFloatClamped("TTS_KV_SCALE", defaults.SpeakerKVScale, 0, 10)

	return Config{
		HTTPAddr:  getenv("HTTP_ADDR", ":8080"),
		APIKey:    os.Getenv("API_KEY"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		HFSpace:          getenv("HF_SPACE", "jordand/echo-tts-preview"),
		HFToken:          os.Getenv("HF_TOKEN"),
		TTSEndpointURL:   os.Getenv("TTS_ENDPOINT_URL"),
		TTSEndpointToken: os.Getenv("TTS_ENDPOINT_TOKEN"),

		Storage: StorageConfig{
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Region:          getenv("S3_REGION", "auto"),
			Bucket:          os.Getenv("S3_BUCKET"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			PublicBaseURL:   os.Getenv("S3_PUBLIC_BASE_URL"),
		},

		Defaults: defaults,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
