package errors

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
)

// exit terminates the process. Tests replace it.
var exit = os.Exit

// Fatal is the single abort point for unrecoverable failures.
//
// Library packages never terminate the process: device, transfer and
// consistency failures are returned up to the command, which hands them here.
// A nil error is a no-op.
func Fatal(logger zerolog.Logger, err error) {
	if err == nil {
		return
	}

	ev := logger.WithLevel(zerolog.FatalLevel).Err(err)
	var se *StructuredError
	if errors.As(err, &se) {
		ev = ev.Str("type", string(se.Type)).Str("operation", se.Operation)
		if len(se.Context) > 0 {
			ev = ev.Fields(se.Context)
		}
	}
	ev.Msg("unrecoverable failure, aborting")

	exit(1)
}
