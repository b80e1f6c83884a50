package stage

import "github.com/23skdu/bpmstage/internal/bpm"

// Search is a unit of verification work. The stage only sizes, encodes and
// decodes it; it never looks inside.
type Search interface {
	// Dimensions is the space Encode will use in a buffer.
	Dimensions() bpm.Dimensions
	// Encode stages the search's queries and candidates into b.
	Encode(b *bpm.Buffer) error
	// Decode reads the search's results back from b after it was received.
	Decode(b *bpm.Buffer) error
}
