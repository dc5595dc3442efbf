// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint (whisper-1 and the gpt-4o transcribe models).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/chatrelay/pkg/audio"
	"github.com/MrWong99/chatrelay/pkg/provider/stt"
)

const defaultModel = oai.AudioModelWhisper1

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    oai.AudioModel
	language string
	prompt   string
}

type config struct {
	baseURL  string
	model    string
	language string
	prompt   string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the ISO-639-1 language hint sent with every request.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithPrompt sets a text prompt that guides the transcription style.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new OpenAI transcription Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	model := defaultModel
	if cfg.model != "" {
		model = oai.AudioModel(cfg.model)
	}
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
		prompt:   cfg.prompt,
	}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip stt.Audio) (stt.Transcript, error) {
	if err := stt.Validate(clip); err != nil {
		return stt.Transcript{}, err
	}

	filename := clip.Filename
	if filename == "" {
		filename = "voice" + extensionFor(clip.ContentType)
	}
	contentType := clip.ContentType
	if contentType == "" {
		contentType = audio.ContentTypeOgg
	}

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(clip.Data), filename, contentType),
		Model:          p.model,
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}
	if p.prompt != "" {
		params.Prompt = oai.String(p.prompt)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	return stt.Transcript{
		Text:     strings.TrimSpace(res.Text),
		Language: p.language,
		Duration: clipDuration(clip),
	}, nil
}

// clipDuration prefers the platform-reported duration and falls back to the
// Ogg granule position.
func clipDuration(clip stt.Audio) time.Duration {
	if clip.Duration > 0 {
		return clip.Duration
	}
	d, err := audio.OggOpusDuration(clip.Data)
	if err != nil {
		slog.Debug("openai stt: clip duration unknown", "content_type", clip.ContentType, "err", err)
		return 0
	}
	return d
}

func extensionFor(contentType string) string {
	switch contentType {
	case audio.ContentTypeWAV, "audio/x-wav":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}
