// Package fasta loads reference sequences for the demo pipeline.
package fasta

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrNoHeader is returned for sequence data before the first '>' line.
var ErrNoHeader = errors.New("fasta: sequence data before first header")

// Record is one named sequence.
type Record struct {
	ID  string
	Seq []byte
}

type multiReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Close() error {
	var err error
	for _, c := range m.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Open opens path for reading, "-" meaning stdin. Gzip input is detected by
// its magic number or a .gz suffix.
func Open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var sig [2]byte
	n, _ := fh.Read(sig[:])
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		_ = fh.Close()
		return nil, err
	}
	if (n == 2 && sig[0] == 0x1f && sig[1] == 0x8b) || strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(fh)
		if err != nil {
			_ = fh.Close()
			return nil, err
		}
		return &multiReadCloser{Reader: gr, closers: []io.Closer{gr, fh}}, nil
	}
	return fh, nil
}

// Read parses every record of r. Sequence lines are concatenated with
// whitespace removed; the ID is the header up to the first space.
func Read(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<30)

	var (
		out []Record
		cur *Record
	)
	for line := 1; sc.Scan(); line++ {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		if text[0] == '>' {
			id, _, _ := strings.Cut(string(text[1:]), " ")
			out = append(out, Record{ID: id})
			cur = &out[len(out)-1]
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("line %d: %w", line, ErrNoHeader)
		}
		cur.Seq = append(cur.Seq, text...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Load reads every record of the file at path.
func Load(path string) ([]Record, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	recs, err := Read(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// Contig locates one record inside a Reference.
type Contig struct {
	Name   string
	Offset uint64
	Length uint64
}

// Reference is every record concatenated into one text.
type Reference struct {
	Text    []byte
	Contigs []Contig
}

// NewReference concatenates recs in order.
func NewReference(recs []Record) *Reference {
	ref := &Reference{}
	for _, r := range recs {
		ref.Contigs = append(ref.Contigs, Contig{
			Name:   r.ID,
			Offset: uint64(len(ref.Text)),
			Length: uint64(len(r.Seq)),
		})
		ref.Text = append(ref.Text, r.Seq...)
	}
	return ref
}

// Locate maps a text position to its contig and the offset inside it.
func (r *Reference) Locate(pos uint64) (string, uint64, bool) {
	i := sort.Search(len(r.Contigs), func(i int) bool {
		c := r.Contigs[i]
		return c.Offset+c.Length > pos
	})
	if i == len(r.Contigs) || pos < r.Contigs[i].Offset {
		return "", 0, false
	}
	return r.Contigs[i].Name, pos - r.Contigs[i].Offset, true
}
