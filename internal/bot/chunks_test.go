package bot

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"exact", "hello", 5, []string{"hello"}},
		{"fixed split", "abcdefgh", 3, []string{"abc", "def", "gh"}},
		{"no limit", "abcdefgh", 0, []string{"abcdefgh"}},
		{"multibyte", "héllo wörld", 4, []string{"héll", "o wö", "rld"}},
		{"prefers late newline", "abc\ndefgh", 5, []string{"abc\n", "defgh"}},
		{"ignores early newline", "a\nbcdefgh", 6, []string{"a\nbcde", "fgh"}},
		{"astral counts twice", "ab😀cd😀", 4, []string{"ab😀", "cd😀"}},
		{"astral wider than size", "😀😀", 1, []string{"😀", "😀"}},
		{"astral not split", "abc😀", 4, []string{"abc", "😀"}},
		{"invalid utf8 kept", "ab\xffcd\xfe", 3, []string{"ab\xff", "cd\xfe"}},
		{"truncated sequence kept", "a\xe2\x82b", 2, []string{"a\xe2", "\x82b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Chunks(tt.text, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("Chunks(%q, %d) = %q, want %q", tt.text, tt.size, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunks_Invariants(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("Привет, мир! 👋\n", 300)
	for _, size := range []int{1, 7, 100, 1900, 4000} {
		chunks := Chunks(text, size)
		if got := strings.Join(chunks, ""); got != text {
			t.Fatalf("size %d: joined chunks differ from input", size)
		}
		for i, c := range chunks {
			if c == "" {
				t.Fatalf("size %d: chunk %d is empty", size, i)
			}
			if n := utf16Len(c); n > size && utf8.RuneCountInString(c) > 1 {
				t.Fatalf("size %d: chunk %d has %d UTF-16 units", size, i, n)
			}
			if !utf8.ValidString(c) {
				t.Fatalf("size %d: chunk %d is not valid UTF-8", size, i)
			}
		}
	}
}

func TestChunks_InvalidUTF8JoinsBack(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("ok \xff\xc3 привет\n", 50)
	for _, size := range []int{1, 2, 5, 64} {
		if got := strings.Join(Chunks(text, size), ""); got != text {
			t.Fatalf("size %d: joined chunks differ from input", size)
		}
	}
}

func TestChunks_TelegramLimit(t *testing.T) {
	t.Parallel()
	// 4000 emoji are 8000 UTF-16 units, twice what one Telegram message holds.
	text := strings.Repeat("👋", 4000)
	chunks := Chunks(text, 4000)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if n := utf16Len(c); n > 4096 {
			t.Errorf("chunk %d has %d UTF-16 units, Telegram accepts 4096", i, n)
		}
	}
}

func TestAccess(t *testing.T) {
	t.Parallel()
	var nilAccess *Access
	if !nilAccess.Allowed("anyone") {
		t.Error("nil Access must admit everyone")
	}
	if !NewAccess(nil).Allowed("anyone") {
		t.Error("empty list must admit everyone")
	}

	a := NewAccess([]string{"@Alice", " bob "})
	for _, u := range []string{"alice", "ALICE", "@alice", "bob"} {
		if !a.Allowed(u) {
			t.Errorf("Allowed(%q) = false", u)
		}
	}
	if a.Allowed("mallory") || a.Allowed("") {
		t.Error("unlisted users must be denied")
	}

	a.Set([]string{"mallory"})
	if a.Allowed("alice") || !a.Allowed("mallory") {
		t.Error("Set must replace the list")
	}
}
