package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"
)

const (
	// opusSampleRate is the rate every Opus stream decodes to.
	opusSampleRate = 48000

	// opusMaxFrameSize is the largest Opus frame (120 ms) in samples per
	// channel at 48 kHz.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

var (
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// ErrNotOpus is returned when an Ogg stream does not carry Opus audio.
var ErrNotOpus = errors.New("audio: ogg stream is not opus")

// opusHead holds the fields of the OpusHead identification header this
// package needs.
type opusHead struct {
	channels int
	preSkip  int
}

func parseOpusHead(pkt []byte) (opusHead, error) {
	if len(pkt) < 19 || !bytes.HasPrefix(pkt, opusHeadMagic) {
		return opusHead{}, ErrNotOpus
	}
	h := opusHead{
		channels: int(pkt[9]),
		preSkip:  int(binary.LittleEndian.Uint16(pkt[10:12])),
	}
	if h.channels < 1 || h.channels > 2 {
		return opusHead{}, fmt.Errorf("audio: opus: unsupported channel count %d", h.channels)
	}
	return h, nil
}

// DecodeOggOpus decodes an Ogg/Opus file into 48 kHz interleaved PCM with
// the stream's native channel count. The pre-skip samples announced in the
// header are dropped.
func DecodeOggOpus(data []byte) (PCM, error) {
	stream, err := demuxOgg(data)
	if err != nil {
		return PCM{}, err
	}
	head, err := parseOpusHead(stream.packets[0])
	if err != nil {
		return PCM{}, err
	}

	dec, err := gopus.NewDecoder(opusSampleRate, head.channels)
	if err != nil {
		return PCM{}, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	var samples []int16
	for i, pkt := range stream.packets[1:] {
		if i == 0 && bytes.HasPrefix(pkt, opusTagsMagic) {
			continue
		}
		if len(pkt) == 0 {
			continue
		}
		frame, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			return PCM{}, fmt.Errorf("audio: opus decode packet %d: %w", i+1, err)
		}
		samples = append(samples, frame...)
	}

	skip := head.preSkip * head.channels
	if skip > len(samples) {
		skip = len(samples)
	}
	samples = samples[skip:]

	return PCM{
		Data:   int16sToBytes(samples),
		Format: Format{SampleRate: opusSampleRate, Channels: head.channels},
	}, nil
}

// OggOpusDuration reports the play time of an Ogg/Opus file without decoding
// any audio. The final granule position is used when the granules never
// decrease and do not exceed what the packets can carry; otherwise the packet
// headers are counted instead.
func OggOpusDuration(data []byte) (time.Duration, error) {
	stream, err := demuxOgg(data)
	if err != nil {
		return 0, err
	}
	head, err := parseOpusHead(stream.packets[0])
	if err != nil {
		return 0, err
	}

	var carried int64
	for i, pkt := range stream.packets[1:] {
		if i == 0 && bytes.HasPrefix(pkt, opusTagsMagic) {
			continue
		}
		carried += int64(opusPacketSamples(pkt))
	}
	samples := carried
	if stream.monotonic && stream.lastGranule <= carried {
		samples = stream.lastGranule
	}
	samples = max(samples-int64(head.preSkip), 0)

	secs, rest := samples/opusSampleRate, samples%opusSampleRate
	return time.Duration(secs)*time.Second + time.Duration(rest)*time.Second/opusSampleRate, nil
}

// opusPacketSamples returns the samples per channel at 48 kHz that pkt
// decodes to, read from its TOC byte. Malformed packets count as zero.
func opusPacketSamples(pkt []byte) int {
	if len(pkt) == 0 {
		return 0
	}
	toc := pkt[0]
	config := int(toc >> 3)

	var frame int
	switch {
	case config < 12: // SILK: 10, 20, 40, 60 ms
		frame = [...]int{480, 960, 1920, 2880}[config&3]
	case config < 16: // hybrid: 10, 20 ms
		frame = [...]int{480, 960}[config&1]
	default: // CELT: 2.5, 5, 10, 20 ms
		frame = 120 << (config & 3)
	}

	var frames int
	switch toc & 3 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default:
		if len(pkt) < 2 {
			return 0
		}
		frames = int(pkt[1] & 0x3f)
	}
	return min(frame*frames, opusMaxFrameSize)
}
