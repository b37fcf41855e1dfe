package app

import (
	"log"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aahalife/echo-tts/internal/httpapi"
	"github.com/aahalife/echo-tts/internal/store"
	"github.com/aahalife/echo-tts/internal/tts"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	store      *store.Store
	engine     tts.Client
	httpClient *http.Client // Shared HTTP client with connection pooling for inference calls
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	// Shared HTTP client with connection pooling. No overall timeout:
	// a generation request can legitimately run for minutes, so only
	// dialing and the TLS handshake are bounded.
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
	}

	if cfg.Storage.Configured() {
		opts := s3.Options{
			Region: cfg.Storage.Region,
			Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
				cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey, "")),
		}
		if cfg.Storage.Endpoint != "" {
			opts.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			opts.UsePathStyle = true
		}
		client := s3.New(opts)
		presigner := s3.NewPresignClient(client)
		a.store = store.New(client, presigner, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL, logger)
		logger.Printf("app: voice registry on bucket %s", cfg.Storage.Bucket)
	} else {
		logger.Printf("app: storage not configured, voice registry disabled")
	}

	switch {
	case cfg.TTSEndpointURL != "":
		a.engine = tts.NewEndpointClient(tts.EndpointConfig{
			BaseURL:    cfg.TTSEndpointURL,
			Token:      cfg.TTSEndpointToken,
			HTTPClient: httpClient,
		})
		logger.Printf("app: synthesis via endpoint %s", cfg.TTSEndpointURL)
	case cfg.HFSpace != "":
		a.engine = tts.NewGradioClient(tts.GradioConfig{
			Space:      cfg.HFSpace,
			Token:      cfg.HFToken,
			HTTPClient: httpClient,
		})
		logger.Printf("app: synthesis via space %s", cfg.HFSpace)
	default:
		logger.Printf("app: no TTS backend configured")
	}

	return a, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		APIKey:   a.cfg.APIKey,
		Defaults: a.cfg.Defaults,
	}

	// Pass a nil interface, not a nil *store.Store, so the handlers'
	// nil checks see an unconfigured registry.
	var vs httpapi.VoiceStore
	if a.store != nil {
		vs = a.store
	}
	return httpapi.NewRouter(routerCfg, a.logger, vs, a.engine)
}

func (a *App) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}
