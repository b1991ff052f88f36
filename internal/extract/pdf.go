package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Error reports a document that could not be turned into text: unreadable,
// password-protected, or simply empty. It is permanent; retrying the same
// bytes cannot fix it.
type Error struct {
	Filename string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Filename, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Page is the text of a single PDF page, 1-based.
type Page struct {
	Number int
	Text   string
}

var pdfMagic = []byte("%PDF-")

// Validate rejects uploads before anything is stored: wrong extension,
// missing PDF header, or a size over the limit.
func Validate(filename string, data []byte, maxSize int64) error {
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return &Error{Filename: filename, Err: fmt.Errorf("unsupported file type, only PDF is accepted")}
	}
	if int64(len(data)) > maxSize {
		return &Error{Filename: filename, Err: fmt.Errorf("file size %d exceeds limit %d", len(data), maxSize)}
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return &Error{Filename: filename, Err: fmt.Errorf("not a PDF file (missing %%PDF header)")}
	}
	return nil
}

// Pages extracts plain text per page. Pages with no extractable text are
// skipped; a document with no text at all is an error, since there would be
// nothing to chunk or search.
func Pages(filename string, data []byte) ([]Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &Error{Filename: filename, Err: fmt.Errorf("open PDF: %w", err)}
	}

	var pages []Page
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, &Error{Filename: filename, Err: fmt.Errorf("extract page %d: %w", i, err)}
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}

	if len(pages) == 0 {
		return nil, &Error{Filename: filename, Err: fmt.Errorf("no extractable text in %d pages", numPages)}
	}
	return pages, nil
}
