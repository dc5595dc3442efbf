package stt

import (
	"time"

	"github.com/MrWong99/chatrelay/pkg/audio"
)

// Audio is a recorded voice message handed to a Provider.
type Audio = audio.Clip

// Transcript is the result of transcribing a voice message.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the detected or requested language code. May be empty.
	Language string

	// Duration is the length of the transcribed audio. Billing is based on it.
	Duration time.Duration
}

// Validate reports whether clip can be sent to a provider.
func Validate(clip Audio) error {
	if len(clip.Data) == 0 {
		return ErrEmptyAudio
	}
	return nil
}
