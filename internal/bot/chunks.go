package bot

import (
	"unicode/utf16"
	"unicode/utf8"
)

// Chunks splits text into pieces of at most size UTF-16 code units, the unit
// Telegram measures message length in. Characters outside the Basic
// Multilingual Plane count twice; a lone character wider than size still
// forms its own piece. A piece ends after the last newline of its window when
// that newline lies in the window's second half, so paragraphs stay intact
// where possible. Pieces are cut at byte offsets of the input, so joining them
// yields text even when it is not valid UTF-8. A size <= 0 returns text as one
// piece.
func Chunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}

	var out []string
	for {
		cut, rest := chunkEnd(text, size)
		if !rest {
			return append(out, text)
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
}

// chunkEnd returns the byte offset at which the first piece of text ends, and
// whether anything is left after it.
func chunkEnd(text string, size int) (int, bool) {
	units, newline := 0, 0
	for i := 0; i < len(text); {
		r, w := utf8.DecodeRuneInString(text[i:])
		n := utf16.RuneLen(r)
		if units+n > size {
			switch {
			case newline > 0:
				return newline, true
			case i == 0:
				return w, w < len(text)
			}
			return i, true
		}
		units += n
		i += w
		if r == '\n' && units > size/2 {
			newline = i
		}
	}
	return len(text), false
}

// utf16Len is the length of s in UTF-16 code units. Each invalid byte decodes
// to U+FFFD and counts as one.
func utf16Len(s string) int {
	units := 0
	for _, r := range s {
		units += utf16.RuneLen(r)
	}
	return units
}
