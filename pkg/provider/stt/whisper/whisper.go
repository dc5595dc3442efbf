// Package whisper provides a local whisper.cpp-backed STT provider.
//
// It talks to a running whisper-server binary, which exposes a REST API at
// POST /inference. whisper.cpp only reads WAV, so Ogg/Opus voice notes are
// decoded and resampled to 16 kHz mono before upload.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	tr, err := p.Transcribe(ctx, clip)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/chatrelay/pkg/audio"
	"github.com/MrWong99/chatrelay/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 2 * time.Minute
)

// targetFormat is what whisper.cpp expects.
var targetFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "auto"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a local whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new whisper.cpp Provider pointing at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip stt.Audio) (stt.Transcript, error) {
	if err := stt.Validate(clip); err != nil {
		return stt.Transcript{}, err
	}

	wav, dur, err := toWAV(clip)
	if err != nil {
		return stt.Transcript{}, err
	}
	if clip.Duration > 0 {
		dur = clip.Duration
	}

	text, err := p.infer(ctx, wav)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(text),
		Language: p.language,
		Duration: dur,
	}, nil
}

// toWAV converts clip into a WAV payload whisper.cpp accepts and returns the
// decoded duration. WAV input is passed through with a zero duration.
func toWAV(clip stt.Audio) ([]byte, time.Duration, error) {
	switch {
	case bytes.HasPrefix(clip.Data, []byte("RIFF")):
		return clip.Data, 0, nil
	case bytes.HasPrefix(clip.Data, []byte("OggS")):
		pcm, err := audio.DecodeOggOpus(clip.Data)
		if err != nil {
			return nil, 0, fmt.Errorf("whisper: %w: %w", stt.ErrUnsupportedFormat, err)
		}
		pcm, err = audio.Convert(pcm, targetFormat)
		if err != nil {
			return nil, 0, fmt.Errorf("whisper: %w", err)
		}
		return audio.EncodeWAV(pcm), pcm.Duration(), nil
	default:
		return nil, 0, fmt.Errorf("whisper: %w: %q", stt.ErrUnsupportedFormat, clip.ContentType)
	}
}

// infer POSTs a WAV file to the whisper.cpp /inference endpoint as
// multipart/form-data and returns the transcribed text.
func (p *Provider) infer(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}
