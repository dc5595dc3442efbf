// Package stt defines the speech-to-text provider abstraction.
//
// Voice messages arrive as complete files, so the interface is batch-oriented:
// the caller hands over a whole clip and receives a single transcript.
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrUnsupportedFormat is returned when a provider cannot handle the content
// type of the supplied clip.
var ErrUnsupportedFormat = errors.New("stt: unsupported audio format")

// ErrEmptyAudio is returned when a clip carries no data.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Provider transcribes recorded voice messages.
type Provider interface {
	// Transcribe converts clip to text. The returned transcript's Duration is
	// the provider's measurement when available and otherwise falls back to
	// the duration carried by the clip.
	Transcribe(ctx context.Context, clip Audio) (Transcript, error)
}
