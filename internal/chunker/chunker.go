package chunker

import (
	"fmt"
	"unicode"

	"github.com/google/uuid"

	"docchat/internal/extract"
	"docchat/internal/storage"
)

// ConfigError reports invalid window parameters. The caller picked bad
// numbers; retrying cannot help.
type ConfigError struct {
	Size    int
	Overlap int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("chunker: invalid window size=%d overlap=%d (need size > 0 and 0 <= overlap < size)", e.Size, e.Overlap)
}

// Chunk splits a document's pages into overlapping fixed-size windows.
//
// Page text is whitespace-normalized first (runs collapsed to a single
// space, control characters dropped), pages are joined with a single space,
// and a window of size characters slides over the result advancing
// size-overlap each step. The final window may be shorter. Offsets refer to
// the normalized concatenation; a chunk's page is the page of its first
// character.
//
// For text of length L > 0 this produces exactly ceil((L-overlap)/(size-overlap))
// chunks. Empty text produces no chunks and no error.
func Chunk(documentID string, pages []extract.Page, size, overlap int) ([]storage.Chunk, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, &ConfigError{Size: size, Overlap: overlap}
	}

	runes, pageOf := normalizePages(pages)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	var chunks []storage.Chunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, storage.Chunk{
			ID:         uuid.New().String(),
			DocumentID: documentID,
			ChunkIndex: len(chunks),
			Page:       pageOf[start],
			Content:    string(runes[start:end]),
			StartChar:  start,
			EndChar:    end,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// normalizePages returns the normalized concatenation as runes plus a
// parallel slice holding each rune's source page number.
func normalizePages(pages []extract.Page) ([]rune, []int) {
	var runes []rune
	var pageOf []int
	for _, p := range pages {
		norm := normalize(p.Text)
		if len(norm) == 0 {
			continue
		}
		if len(runes) > 0 {
			// Joint between pages; attribute it to the earlier page.
			runes = append(runes, ' ')
			pageOf = append(pageOf, pageOf[len(pageOf)-1])
		}
		runes = append(runes, norm...)
		for range norm {
			pageOf = append(pageOf, p.Number)
		}
	}
	return runes, pageOf
}

// normalize collapses whitespace runs to a single space, drops other control
// characters, and trims leading/trailing whitespace.
func normalize(text string) []rune {
	var out []rune
	pendingSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = len(out) > 0
		case unicode.IsControl(r):
			// dropped
		default:
			if pendingSpace {
				out = append(out, ' ')
				pendingSpace = false
			}
			out = append(out, r)
		}
	}
	return out
}
