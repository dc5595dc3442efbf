package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotOgg is returned when data does not start with an Ogg page.
var ErrNotOgg = errors.New("audio: not an ogg stream")

const (
	oggCapture    = "OggS"
	oggHeaderSize = 27

	// headerTypeContinued marks a page whose first packet continues from the
	// previous page.
	headerTypeContinued = 0x01
)

// oggStream is the demuxed content of a single logical Ogg bitstream.
type oggStream struct {
	packets [][]byte

	// lastGranule is the granule position of the last complete page.
	lastGranule int64

	// monotonic is false once a page's granule position went backwards.
	monotonic bool
}

// demuxOgg splits an Ogg file into its packets. Only the first logical
// bitstream is returned; chained or multiplexed streams are not supported.
// Page checksums are not verified.
func demuxOgg(data []byte) (*oggStream, error) {
	if !bytes.HasPrefix(data, []byte(oggCapture)) {
		return nil, ErrNotOgg
	}

	var (
		out     = oggStream{monotonic: true}
		serial  uint32
		partial []byte
		first   = true
	)
	for off := 0; off < len(data); {
		if len(data)-off < oggHeaderSize {
			return nil, fmt.Errorf("audio: ogg: truncated page header at offset %d", off)
		}
		hdr := data[off : off+oggHeaderSize]
		if string(hdr[0:4]) != oggCapture {
			return nil, fmt.Errorf("audio: ogg: lost sync at offset %d", off)
		}
		if hdr[4] != 0 {
			return nil, fmt.Errorf("audio: ogg: unsupported version %d", hdr[4])
		}
		headerType := hdr[5]
		granule := int64(binary.LittleEndian.Uint64(hdr[6:14]))
		pageSerial := binary.LittleEndian.Uint32(hdr[14:18])
		nSegs := int(hdr[26])

		segTable := off + oggHeaderSize
		if len(data) < segTable+nSegs {
			return nil, fmt.Errorf("audio: ogg: truncated segment table at offset %d", off)
		}
		lacing := data[segTable : segTable+nSegs]
		bodyLen := 0
		for _, l := range lacing {
			bodyLen += int(l)
		}
		body := segTable + nSegs
		if len(data) < body+bodyLen {
			return nil, fmt.Errorf("audio: ogg: truncated page body at offset %d", off)
		}
		next := body + bodyLen

		if first {
			serial = pageSerial
			first = false
		}
		if pageSerial != serial {
			off = next
			continue
		}
		if headerType&headerTypeContinued == 0 {
			partial = nil
		}

		pos := body
		for _, l := range lacing {
			partial = append(partial, data[pos:pos+int(l)]...)
			pos += int(l)
			if l < 255 {
				out.packets = append(out.packets, partial)
				partial = nil
			}
		}
		if granule >= 0 {
			if granule < out.lastGranule {
				out.monotonic = false
			}
			out.lastGranule = granule
		}
		off = next
	}

	if len(out.packets) == 0 {
		return nil, errors.New("audio: ogg: no packets")
	}
	return &out, nil
}
