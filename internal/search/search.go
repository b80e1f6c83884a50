// Package search is the read-level work unit pushed through a stage: one
// read and the candidate reference positions an approximate search proposed
// for it.
package search

import (
	"fmt"

	"github.com/23skdu/bpmstage/internal/bpm"
)

// Candidate is a reference window a read may align to.
type Candidate struct {
	Position uint64
	Size     uint32
}

// Result is the verification outcome of one candidate.
type Result struct {
	Candidate
	Column uint32
	Score  uint32
	// Valid is false when the candidate was not verified, as for reads too
	// long for any bucket.
	Valid bool
}

// Search verifies one read against its candidates.
type Search struct {
	ID         uint64
	Name       string
	Pattern    []byte
	Candidates []Candidate
	Results    []Result

	first uint32
}

// New returns a search for pattern with a window of len(pattern)+slack
// bases starting at each of positions.
func New(id uint64, name string, pattern []byte, positions []uint64, slack uint32) *Search {
	s := &Search{ID: id, Name: name, Pattern: pattern}
	size := uint32(len(pattern)) + slack
	for _, p := range positions {
		s.Candidates = append(s.Candidates, Candidate{Position: p, Size: size})
	}
	return s
}

// Dimensions is the exact space Encode uses.
func (s *Search) Dimensions() bpm.Dimensions {
	return bpm.Dimensions{
		Entries:    bpm.EntriesFor(uint32(len(s.Pattern))),
		Queries:    1,
		Candidates: uint32(len(s.Candidates)),
	}
}

// Encode stages the read and its candidates into b.
func (s *Search) Encode(b *bpm.Buffer) error {
	q, err := b.AddQuery(s.Pattern)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Name, err)
	}
	for i, c := range s.Candidates {
		id, err := b.AddCandidate(q, c.Position, c.Size)
		if err != nil {
			return fmt.Errorf("encode %s candidate %d: %w", s.Name, i, err)
		}
		if i == 0 {
			s.first = id
		}
	}
	return nil
}

// Decode reads the verification results of the candidates from b.
func (s *Search) Decode(b *bpm.Buffer) error {
	s.Results = s.Results[:0]
	for i, c := range s.Candidates {
		a := b.Alignment(s.first + uint32(i))
		s.Results = append(s.Results, Result{
			Candidate: c,
			Column:    a.Column,
			Score:     a.Score,
			Valid:     a.Valid(),
		})
	}
	return nil
}

// Best returns the valid result with the lowest score.
func (s *Search) Best() (Result, bool) {
	var best Result
	found := false
	for _, r := range s.Results {
		if r.Valid && (!found || r.Score < best.Score) {
			best, found = r, true
		}
	}
	return best, found
}
