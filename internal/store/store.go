package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// Every voice lives under this key prefix: audio at voices/{id}.{ext} and
// metadata at voices/{id}.json.
const voicePrefix = "voices/"

// speakerURLTTL bounds how long a presigned speaker audio URL stays valid.
const speakerURLTTL = time.Hour

// Sentinel errors double as client-facing messages; the API layer maps them
// to statuses with errors.Is and surfaces err.Error() as-is.
var (
	ErrNotFound       = errors.New("Voice not found")
	ErrVoiceExists    = errors.New("Voice ID already exists")
	ErrInvalidVoiceID = errors.New("Invalid voice ID")
)

// S3Client abstracts the S3 API operations used by Store.
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Presigner produces time-limited GET URLs for stored objects.
// The [s3.PresignClient] type satisfies this interface.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store is the voice registry, backed by Amazon S3 or any S3-compatible
// object store (MinIO, R2, etc.). The client must be pre-configured with
// credentials, region and endpoint.
type Store struct {
	client        S3Client
	presigner     Presigner
	bucket        string
	publicBaseURL string
	logger        *log.Logger
}

// New creates a voice registry on the given bucket. publicBaseURL, when not
// empty, is the public address serving the bucket and is used for the stable
// audio URLs recorded in metadata.
func New(client S3Client, presigner Presigner, bucket, publicBaseURL string, logger *log.Logger) *Store {
	return &Store{
		client:        client,
		presigner:     presigner,
		bucket:        bucket,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		logger:        logger,
	}
}

// Voice is the stored metadata record for a registered voice.
type Voice struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	CreatedAt        string `json:"created_at"`
	AudioKey         string `json:"audio_key"`
	AudioURL         string `json:"audio_url"`
	FileSize         int64  `json:"file_size"`
	ContentType      string `json:"content_type"`
	OriginalFilename string `json:"original_filename"`
}

// VoiceSummary is the listing projection of a voice record.
type VoiceSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
	Description string `json:"description"`
}

// NewVoice carries the inputs for registering a voice.
type NewVoice struct {
	ID          string // optional; generated when empty
	Name        string // optional; defaults to the id
	Description string
	Filename    string // client-supplied filename, used for the extension
	Audio       []byte
}

var audioContentTypes = map[string]string{
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
	"flac": "audio/flac",
	"m4a":  "audio/mp4",
	"aac":  "audio/aac",
}

// SanitizeVoiceID keeps letters, digits, '-' and '_' and lowercases the
// result. Everything else is stripped.
func SanitizeVoiceID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

// extensionFor derives the stored extension from the uploaded filename.
// Unknown or missing extensions are coerced to wav.
func extensionFor(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if _, ok := audioContentTypes[ext]; !ok {
		return "wav"
	}
	return ext
}

func metadataKey(id string) string { return voicePrefix + id + ".json" }

// CreateVoice stores the reference audio and its metadata record. The audio
// object is written first so metadata never points at a missing object; a
// crash between the two writes leaves an orphaned audio object behind.
func (s *Store) CreateVoice(ctx context.Context, nv NewVoice) (*Voice, error) {
	id := nv.ID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	id = SanitizeVoiceID(id)
	if id == "" {
		return nil, ErrInvalidVoiceID
	}

	exists, err := s.voiceExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrVoiceExists, id)
	}

	filename := nv.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	ext := extensionFor(filename)
	contentType := audioContentTypes[ext]
	audioKey := voicePrefix + id + "." + ext

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(audioKey),
		Body:        bytes.NewReader(nv.Audio),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("store: put audio %s: %w", audioKey, err)
	}

	name := nv.Name
	if name == "" {
		name = id
	}
	v := &Voice{
		ID:               id,
		Name:             name,
		Description:      nv.Description,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		AudioKey:         audioKey,
		AudioURL:         s.objectURL(audioKey),
		FileSize:         int64(len(nv.Audio)),
		ContentType:      contentType,
		OriginalFilename: filename,
	}

	meta, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(metadataKey(id)),
		Body:        bytes.NewReader(meta),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("store: put metadata %s: %w", metadataKey(id), err)
	}

	return v, nil
}

// GetVoice loads the metadata record for id.
func (s *Store) GetVoice(ctx context.Context, id string) (*Voice, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(metadataKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("store: get voice %s: %w", id, err)
	}
	defer out.Body.Close()

	var v Voice
	if err := json.NewDecoder(out.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("store: decode voice %s: %w", id, err)
	}
	return &v, nil
}

// ListVoices returns summaries for every registered voice. Metadata objects
// that fail to load or decode are skipped, so one bad record cannot break
// the listing.
func (s *Store) ListVoices(ctx context.Context) ([]VoiceSummary, error) {
	summaries := []VoiceSummary{}
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(voicePrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("store: list voices: %w", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			v, err := s.readMetadata(ctx, key)
			if err != nil {
				s.logger.Printf("store: skipping %s: %v", key, err)
				continue
			}
			summaries = append(summaries, VoiceSummary{
				ID:          v.ID,
				Name:        v.Name,
				CreatedAt:   v.CreatedAt,
				Description: v.Description,
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return summaries, nil
}

// DeleteVoice removes every object stored under the voice id, audio and
// metadata alike, in one batch call.
func (s *Store) DeleteVoice(ctx context.Context, id string) error {
	prefix := voicePrefix + id + "."
	var objects []types.ObjectIdentifier
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("store: list voice %s: %w", id, err)
		}
		for _, obj := range out.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	if len(objects) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("store: delete voice %s: %w", id, err)
	}
	return nil
}

// SpeakerAudioURL returns a fetchable URL for the voice's reference audio,
// presigned for a limited time.
func (s *Store) SpeakerAudioURL(ctx context.Context, id string) (string, error) {
	v, err := s.GetVoice(ctx, id)
	if err != nil {
		return "", err
	}

	if v.AudioKey == "" {
		// Records written by older deployments carry only the public URL.
		if v.AudioURL != "" && strings.HasPrefix(v.AudioURL, "http") {
			return v.AudioURL, nil
		}
		return "", fmt.Errorf("store: voice %s has no audio object", id)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(v.AudioKey),
	}, s3.WithPresignExpires(speakerURLTTL))
	if err != nil {
		return "", fmt.Errorf("store: presign %s: %w", v.AudioKey, err)
	}
	return req.URL, nil
}

func (s *Store) voiceExists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(metadataKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: head voice %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) readMetadata(ctx context.Context, key string) (*Voice, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	var v Voice
	if err := json.NewDecoder(out.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// objectURL is the stable address recorded in metadata. With a public base
// URL configured it is directly fetchable; otherwise it is an s3:// locator.
func (s *Store) objectURL(key string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key
	}
	return "s3://" + s.bucket + "/" + key
}

// isNotFound reports whether err indicates the S3 object does not exist.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
