package stage

import (
	"fmt"

	"github.com/23skdu/bpmstage/internal/bpm"
	bperrors "github.com/23skdu/bpmstage/internal/errors"
)

// Config sizes a pipeline stage.
type Config struct {
	NumBuffers         int    `envconfig:"NUM_BUFFERS" default:"4"`
	BufferBytes        int    `envconfig:"BUFFER_BYTES" default:"4194304"`
	AverageQuerySize   uint32 `envconfig:"AVERAGE_QUERY_SIZE" default:"150"`
	CandidatesPerQuery uint32 `envconfig:"CANDIDATES_PER_QUERY" default:"20"`
	// QueryBinSize is the lane count per candidate when every query has the
	// same length; 0 bins candidates by query length.
	QueryBinSize uint32 `envconfig:"QUERY_BIN_SIZE" default:"0"`
}

// DefaultConfig returns the configuration the envconfig defaults describe.
func DefaultConfig() Config {
	return Config{
		NumBuffers:         4,
		BufferBytes:        4 << 20,
		AverageQuerySize:   150,
		CandidatesPerQuery: 20,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.NumBuffers <= 0:
		return invalid("num_buffers", c.NumBuffers, "must be positive")
	case c.BufferBytes <= 0:
		return invalid("buffer_bytes", c.BufferBytes, "must be positive")
	case c.AverageQuerySize == 0:
		return invalid("average_query_size", c.AverageQuerySize, "must be positive")
	case c.CandidatesPerQuery == 0:
		return invalid("candidates_per_query", c.CandidatesPerQuery, "must be positive")
	case c.QueryBinSize > bpm.WarpSize:
		return invalid("query_bin_size", c.QueryBinSize, fmt.Sprintf("must not exceed %d lanes", bpm.WarpSize))
	}
	return nil
}

func invalid(field string, value any, reason string) error {
	return bperrors.NewConfigurationError("stage_config", fmt.Sprintf("%s %s", field, reason)).
		WithContext(field, value)
}
