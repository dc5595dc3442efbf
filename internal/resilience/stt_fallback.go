package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/chatrelay/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// transcription backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.CircuitBreaker.IsCallerError == nil {
		cfg.CircuitBreaker.IsCallerError = func(err error) bool {
			return errors.Is(err, stt.ErrEmptyAudio) || errors.Is(err, context.Canceled)
		}
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends clip to the first healthy provider. A backend that cannot
// decode the clip's format counts as failed, so the next one gets a chance.
func (f *STTFallback) Transcribe(ctx context.Context, clip stt.Audio) (stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, clip)
	})
}

// States returns the breaker state of every backend, keyed by name.
func (f *STTFallback) States() map[string]State {
	return f.group.States()
}
