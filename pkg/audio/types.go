// Package audio converts voice messages received from messaging platforms
// into the PCM/WAV form transcription backends accept.
//
// Telegram and Discord both deliver voice notes as Opus inside an Ogg
// container. The package demuxes the container, decodes Opus with libopus
// (via gopus), down-mixes and resamples the result and wraps it in a RIFF/WAV
// header.
package audio

import "time"

// Common content types of voice messages.
const (
	ContentTypeOgg = "audio/ogg"
	ContentTypeWAV = "audio/wav"
)

// Clip is an encoded audio file as received from a platform.
type Clip struct {
	// Data is the raw file content.
	Data []byte

	// Filename is the original or synthesised file name, e.g. "voice.ogg".
	Filename string

	// ContentType is the MIME type reported by the platform.
	ContentType string

	// Duration is the duration reported by the platform. Zero when unknown.
	Duration time.Duration
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// PCM is 16-bit signed little-endian interleaved audio.
type PCM struct {
	Data []byte
	Format
}

// Duration returns the play time of p.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	frames := len(p.Data) / (2 * p.Channels)
	return time.Duration(frames) * time.Second / time.Duration(p.SampleRate)
}
