// Package audio turns voice input into text for the voice agent.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"familyhub/internal/failure"
	"familyhub/internal/health"
	"familyhub/internal/logging"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var log = logging.Component("audio")

// Transcriber converts audio to text
type Transcriber interface {
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error)
}

// Provider is one Whisper-compatible endpoint. Providers are tried in order.
type Provider struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
}

// TranscribeRequest contains parameters for audio transcription
type TranscribeRequest struct {
	Audio    []byte
	Filename string
	MimeType string
	Language string // optional language code (e.g. "en", "es")
	Prompt   string // optional prompt to guide transcription
}

// TranscribeResponse contains the result of transcription
type TranscribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type transcribeFunc func(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error)

type providerClient struct {
	name       string
	transcribe transcribeFunc
}

// Service transcribes through a provider chain guarded by the speech breaker
type Service struct {
	providers []providerClient
	breaker   *health.CircuitBreaker
}

// NewService creates a transcription service. Providers without an API key are skipped.
func NewService(providers []Provider, breaker *health.CircuitBreaker) *Service {
	s := &Service{breaker: breaker}
	for _, p := range providers {
		if p.APIKey == "" {
			log.WithField("provider", p.Name).Debug("[AUDIO] Provider has no API key, skipping")
			continue
		}
		s.providers = append(s.providers, providerClient{name: p.Name, transcribe: openAITranscriber(p)})
	}
	if len(s.providers) == 0 {
		log.Warn("⚠️  [AUDIO] No transcription provider configured, voice input disabled")
	}
	return s
}

// Available reports whether any provider is configured
func (s *Service) Available() bool {
	return len(s.providers) > 0
}

func openAITranscriber(p Provider) transcribeFunc {
	opts := []option.RequestOption{option.WithAPIKey(p.APIKey), option.WithMaxRetries(0)}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := p.Model
	if model == "" {
		model = "whisper-1"
	}

	return func(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
		filename := req.Filename
		if filename == "" {
			filename = "audio" + extensionFor(req.MimeType)
		}
		params := openai.AudioTranscriptionNewParams{
			File:  openai.File(bytes.NewReader(req.Audio), filename, req.MimeType),
			Model: openai.AudioModel(model),
		}
		if req.Language != "" {
			params.Language = openai.String(req.Language)
		}
		if req.Prompt != "" {
			params.Prompt = openai.String(req.Prompt)
		}

		resp, err := client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("%s transcription failed: %w", p.Name, err)
		}
		return &TranscribeResponse{Text: resp.Text, Language: req.Language, Provider: p.Name}, nil
	}
}

// Transcribe tries each provider in order and returns the first transcript
func (s *Service) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	if len(req.Audio) == 0 {
		return nil, failure.Fatal(failure.CategoryVoiceProcessing, failure.SeverityLow, "audio.transcribe", "empty audio payload", nil)
	}
	if req.MimeType != "" && !IsSupportedFormat(req.MimeType) {
		return nil, failure.Fatal(failure.CategoryVoiceProcessing, failure.SeverityLow, "audio.transcribe", "unsupported audio format "+req.MimeType, nil)
	}
	if len(s.providers) == 0 {
		return nil, failure.New(failure.CategoryVoiceProcessing, failure.SeverityMedium, "audio.transcribe", "no transcription provider configured", nil)
	}

	log.WithFields(map[string]interface{}{"bytes": len(req.Audio), "mime": req.MimeType}).Debug("🎵 [AUDIO] Transcribing audio")

	var errs []error
	for _, p := range s.providers {
		var resp *TranscribeResponse
		call := func(ctx context.Context) error {
			var err error
			resp, err = p.transcribe(ctx, req)
			return err
		}
		var err error
		if s.breaker != nil {
			err = s.breaker.Call(ctx, call)
		} else {
			err = call(ctx)
		}
		if err == nil {
			if strings.TrimSpace(resp.Text) == "" {
				errs = append(errs, fmt.Errorf("%s returned an empty transcript", p.name))
				continue
			}
			log.WithFields(map[string]interface{}{"provider": p.name, "chars": len(resp.Text)}).Info("✅ [AUDIO] Transcription successful")
			return resp, nil
		}
		log.WithField("provider", p.name).WithError(err).Warn("⚠️  [AUDIO] Transcription failed, trying next provider")
		errs = append(errs, err)
		if errors.Is(err, health.ErrCircuitOpen) {
			break
		}
	}
	return nil, failure.New(failure.CategoryVoiceProcessing, failure.SeverityMedium, "audio.transcribe", "all transcription providers failed", errors.Join(errs...))
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/flac":
		return ".flac"
	default:
		return ".webm"
	}
}

// GetSupportedFormats returns the list of supported audio formats
func GetSupportedFormats() []string {
	return []string{
		"mp3", "mp4", "mpeg", "mpga", "m4a", "wav", "webm", "ogg", "flac",
	}
}

// IsSupportedFormat checks if a MIME type is supported for transcription
func IsSupportedFormat(mimeType string) bool {
	supportedTypes := map[string]bool{
		"audio/mpeg":  true,
		"audio/mp3":   true,
		"audio/mp4":   true,
		"audio/x-m4a": true,
		"audio/wav":   true,
		"audio/x-wav": true,
		"audio/wave":  true,
		"audio/webm":  true,
		"audio/ogg":   true,
		"audio/flac":  true,
	}
	return supportedTypes[mimeType]
}
