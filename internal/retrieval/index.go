package retrieval

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DimensionMismatchError reports a vector whose length disagrees with the
// dimension the index committed to on its first insert.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension %d does not match index dimension %d", e.Got, e.Want)
}

// CorruptIndexError reports an index file that could not be loaded. The
// in-memory index is left untouched when this happens.
type CorruptIndexError struct {
	Path   string
	Reason string
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt index file %s: %s", e.Path, e.Reason)
}

// Entry is one indexed chunk. The vector is stored normalized so cosine
// similarity reduces to an inner product.
type Entry struct {
	ChunkID    string
	DocumentID string
	Page       int
	Preview    string
	Vector     []float32
}

// Match is a search hit: the entry plus its similarity to the query.
type Match struct {
	Entry
	Score float32
}

// Index is an in-process flat vector index. Many searches may run
// concurrently; writes take the index exclusively.
type Index struct {
	mu      sync.RWMutex
	dim     int
	entries []Entry
}

func NewIndex() *Index {
	return &Index{}
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dim returns the index dimension, 0 while empty.
func (ix *Index) Dim() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Add inserts a batch of entries. The first successful Add fixes the index
// dimension; later batches must match it. The batch is validated before
// anything is appended, so concurrent readers observe all of it or none of
// it. Input vectors are copied and normalized, never mutated.
func (ix *Index) Add(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	dim := ix.dim
	if dim == 0 {
		dim = len(entries[0].Vector)
		if dim == 0 {
			return &DimensionMismatchError{Got: 0, Want: 1}
		}
	}
	for _, e := range entries {
		if len(e.Vector) != dim {
			return &DimensionMismatchError{Got: len(e.Vector), Want: dim}
		}
	}

	for _, e := range entries {
		e.Vector = normalized(e.Vector)
		ix.entries = append(ix.entries, e)
	}
	ix.dim = dim
	return nil
}

// Search returns up to k entries with similarity >= minScore, best first.
// Equal scores keep insertion order. Searching an empty index returns nothing.
func (ix *Index) Search(query []float32, k int, minScore float32) ([]Match, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, &DimensionMismatchError{Got: len(query), Want: ix.dim}
	}

	q := normalized(query)
	var matches []Match
	for _, e := range ix.entries {
		score := dot(q, e.Vector)
		if score >= minScore {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// RemoveByDocument deletes every entry belonging to the document and returns
// how many were removed.
func (ix *Index) RemoveByDocument(documentID string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	kept := ix.entries[:0]
	removed := 0
	for _, e := range ix.entries {
		if e.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	ix.entries = kept
	return removed
}

// Rebuild replaces the index contents wholesale. The replacement is staged
// and validated outside the lock; searches keep hitting the old contents
// until the swap.
func (ix *Index) Rebuild(entries []Entry) error {
	var dim int
	staged := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if dim == 0 {
			dim = len(e.Vector)
			if dim == 0 {
				return &DimensionMismatchError{Got: 0, Want: 1}
			}
		}
		if len(e.Vector) != dim {
			return &DimensionMismatchError{Got: len(e.Vector), Want: dim}
		}
		e.Vector = normalized(e.Vector)
		staged = append(staged, e)
	}

	ix.mu.Lock()
	ix.entries = staged
	ix.dim = dim
	ix.mu.Unlock()
	return nil
}

// Index file container: magic, version, metric tag, dimension, entry count,
// then the entries. All integers little-endian.
const (
	indexMagic   = "DCIX"
	indexVersion = 1
	metricCosine = 1
)

// SaveFile writes a snapshot of the index, replacing path atomically via a
// temp file and rename so a crash never leaves a torn file behind.
func (ix *Index) SaveFile(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := ix.writeTo(w); err != nil {
		tmp.Close()
		return fmt.Errorf("writing index: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing index file: %w", err)
	}
	return nil
}

func (ix *Index) writeTo(w io.Writer) error {
	if _, err := w.Write([]byte(indexMagic)); err != nil {
		return err
	}
	header := []uint32{indexVersion, metricCosine, uint32(ix.dim), uint32(len(ix.entries))}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, e := range ix.entries {
		for _, s := range []string{e.ChunkID, e.DocumentID, e.Preview} {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(e.Page)); err != nil {
			return err
		}
		if _, err := w.Write(encodeFloat32s(e.Vector)); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile replaces the index contents with the file's. A missing file means
// a first run and leaves the index empty; anything else that fails means the
// file is corrupt, and the in-memory index is left as it was.
func (ix *Index) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()

	dim, entries, err := readIndex(bufio.NewReader(f))
	if err != nil {
		return &CorruptIndexError{Path: path, Reason: err.Error()}
	}

	ix.mu.Lock()
	ix.dim = dim
	ix.entries = entries
	ix.mu.Unlock()
	return nil
}

func readIndex(r io.Reader) (int, []Entry, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return 0, nil, fmt.Errorf("reading magic: %v", err)
	}
	if string(magic) != indexMagic {
		return 0, nil, fmt.Errorf("bad magic %q", magic)
	}

	var version, metric, dim, count uint32
	for _, dst := range []*uint32{&version, &metric, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return 0, nil, fmt.Errorf("reading header: %v", err)
		}
	}
	if version != indexVersion {
		return 0, nil, fmt.Errorf("unsupported version %d", version)
	}
	if metric != metricCosine {
		return 0, nil, fmt.Errorf("unsupported metric %d", metric)
	}
	if count > 0 && dim == 0 {
		return 0, nil, fmt.Errorf("zero dimension with %d entries", count)
	}

	entries := make([]Entry, 0, count)
	vecBuf := make([]byte, 4*dim)
	for i := uint32(0); i < count; i++ {
		var e Entry
		for _, dst := range []*string{&e.ChunkID, &e.DocumentID, &e.Preview} {
			s, err := readString(r)
			if err != nil {
				return 0, nil, fmt.Errorf("entry %d: %v", i, err)
			}
			*dst = s
		}
		var page uint32
		if err := binary.Read(r, binary.LittleEndian, &page); err != nil {
			return 0, nil, fmt.Errorf("entry %d: reading page: %v", i, err)
		}
		e.Page = int(page)
		if _, err := io.ReadFull(r, vecBuf); err != nil {
			return 0, nil, fmt.Errorf("entry %d: reading vector: %v", i, err)
		}
		vec, err := decodeFloat32s(vecBuf)
		if err != nil {
			return 0, nil, fmt.Errorf("entry %d: %v", i, err)
		}
		e.Vector = vec
		entries = append(entries, e)
	}

	// Anything after the last entry means the file was not written by us.
	if n, _ := io.Copy(io.Discard, r); n > 0 {
		return 0, nil, fmt.Errorf("%d trailing bytes after %d entries", n, count)
	}
	return int(dim), entries, nil
}

const maxStringLen = 1 << 20

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("reading string length: %v", err)
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("reading string: %v", err)
	}
	return string(buf), nil
}

func normalized(vec []float32) []float32 {
	out := make([]float32, len(vec))
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
