package chunker

import (
	"errors"
	"strings"
	"testing"

	"docchat/internal/extract"
)

func onePage(text string) []extract.Page {
	return []extract.Page{{Number: 1, Text: text}}
}

func TestChunk_InvalidConfig(t *testing.T) {
	cases := []struct {
		name          string
		size, overlap int
	}{
		{"zero size", 0, 0},
		{"negative size", -5, 0},
		{"negative overlap", 10, -1},
		{"overlap equals size", 10, 10},
		{"overlap exceeds size", 10, 15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Chunk("d1", onePage("hello"), tc.size, tc.overlap)
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestChunk_Empty(t *testing.T) {
	for _, pages := range [][]extract.Page{
		nil,
		onePage(""),
		onePage("   \t\n  "),
	} {
		got, err := Chunk("d1", pages, 10, 2)
		if err != nil {
			t.Fatalf("Chunk: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("got %d chunks for empty input, want 0", len(got))
		}
	}
}

func TestChunk_ShorterThanWindow(t *testing.T) {
	got, err := Chunk("d1", onePage("short"), 100, 10)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d chunks, want 1", len(got))
	}
	if got[0].Content != "short" {
		t.Errorf("Content = %q, want %q", got[0].Content, "short")
	}
	if got[0].StartChar != 0 || got[0].EndChar != 5 {
		t.Errorf("offsets = [%d:%d], want [0:5]", got[0].StartChar, got[0].EndChar)
	}
}

// TestChunk_CountLaw checks the count against ceil((L-O)/(S-O)) over a grid
// of window shapes.
func TestChunk_CountLaw(t *testing.T) {
	cases := []struct {
		length, size, overlap int
	}{
		{5, 5, 1},
		{6, 5, 1},
		{13, 5, 1},
		{14, 5, 1},
		{100, 10, 0},
		{101, 10, 0},
		{100, 10, 3},
		{999, 40, 7},
		{1000, 1000, 200},
		{1001, 1000, 200},
	}
	for _, tc := range cases {
		text := strings.Repeat("x", tc.length)
		got, err := Chunk("d1", onePage(text), tc.size, tc.overlap)
		if err != nil {
			t.Fatalf("Chunk(L=%d,S=%d,O=%d): %v", tc.length, tc.size, tc.overlap, err)
		}
		want := (tc.length - tc.overlap + (tc.size - tc.overlap) - 1) / (tc.size - tc.overlap)
		if len(got) != want {
			t.Errorf("L=%d S=%d O=%d: got %d chunks, want %d", tc.length, tc.size, tc.overlap, len(got), want)
		}
		last := got[len(got)-1]
		if last.EndChar != tc.length {
			t.Errorf("L=%d S=%d O=%d: last chunk ends at %d, want %d", tc.length, tc.size, tc.overlap, last.EndChar, tc.length)
		}
	}
}

// TestChunk_Reconstruction verifies that dropping the overlap prefix of every
// chunk after the first reproduces the normalized text exactly.
func TestChunk_Reconstruction(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog while the cat watches from the fence."
	const size, overlap = 20, 6

	chunks, err := Chunk("d1", onePage(text), size, overlap)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Content)
			continue
		}
		b.WriteString(c.Content[overlap:])
	}
	if b.String() != text {
		t.Errorf("reconstruction mismatch:\n got %q\nwant %q", b.String(), text)
	}
}

func TestChunk_PageProvenance(t *testing.T) {
	pages := []extract.Page{
		{Number: 1, Text: "AAAA BBBB"},
		{Number: 2, Text: "CCCC"},
	}

	chunks, err := Chunk("d1", pages, 5, 1)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	// Normalized concatenation: "AAAA BBBB CCCC" (14 chars).
	want := []struct {
		content    string
		page       int
		start, end int
	}{
		{"AAAA ", 1, 0, 5},
		{" BBBB", 1, 4, 9},
		{"B CCC", 1, 8, 13},
		{"CC", 2, 12, 14},
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, w := range want {
		c := chunks[i]
		if c.Content != w.content {
			t.Errorf("chunk %d Content = %q, want %q", i, c.Content, w.content)
		}
		if c.Page != w.page {
			t.Errorf("chunk %d Page = %d, want %d", i, c.Page, w.page)
		}
		if c.StartChar != w.start || c.EndChar != w.end {
			t.Errorf("chunk %d offsets = [%d:%d], want [%d:%d]", i, c.StartChar, c.EndChar, w.start, w.end)
		}
		if c.ChunkIndex != i {
			t.Errorf("chunk %d ChunkIndex = %d", i, c.ChunkIndex)
		}
		if c.DocumentID != "d1" {
			t.Errorf("chunk %d DocumentID = %q", i, c.DocumentID)
		}
		if c.ID == "" {
			t.Errorf("chunk %d has empty ID", i)
		}
	}
}

func TestChunk_NormalizesWhitespace(t *testing.T) {
	chunks, err := Chunk("d1", onePage("  hello\t\tworld\n\nagain\x00 "), 100, 0)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Content != "hello world again" {
		t.Errorf("Content = %q, want %q", chunks[0].Content, "hello world again")
	}
}
