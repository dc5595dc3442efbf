package audio

import (
	"fmt"
	"log/slog"
)

// Convert returns p down-mixed and resampled to target. Only mono and stereo
// sources are supported; a stereo target is not produced from a mono source
// since no transcription backend needs it.
//
// Conversion order: channel convert first, then resample, so a stereo clip is
// never resampled when the target is mono.
func Convert(p PCM, target Format) (PCM, error) {
	if len(p.Data)%2 != 0 {
		return PCM{}, fmt.Errorf("audio: convert: odd byte count %d in 16-bit PCM", len(p.Data))
	}
	if p.Format == target {
		return p, nil
	}
	slog.Debug("audio: converting clip",
		"from", formatString(p.SampleRate, p.Channels),
		"to", formatString(target.SampleRate, target.Channels),
	)

	pcm := p.Data
	switch {
	case p.Channels == target.Channels:
	case p.Channels == 2 && target.Channels == 1:
		pcm = StereoToMono(pcm)
	default:
		return PCM{}, fmt.Errorf("audio: convert: unsupported channel conversion %d -> %d", p.Channels, target.Channels)
	}

	if p.SampleRate != target.SampleRate {
		pcm = ResampleMono16(pcm, p.SampleRate, target.SampleRate)
		if target.Channels != 1 {
			return PCM{}, fmt.Errorf("audio: convert: resampling is only supported for mono output")
		}
	}

	return PCM{Data: pcm, Format: target}, nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

func formatString(rate, channels int) string {
	return fmt.Sprintf("%dHz/%dch", rate, channels)
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
