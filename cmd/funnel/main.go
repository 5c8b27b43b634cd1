// Package main provides the funnel CLI, which ingests bulk JSONL exports
// into relational staging tables.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mesh-intelligence/funnel/internal/checkpoint"
	"github.com/mesh-intelligence/funnel/internal/ingest"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "funnel:", err)
		if errors.Is(err, checkpoint.ErrResumeImpossible) ||
			errors.Is(err, ingest.ErrLocalReplayResume) || isUserError(err) {
			return exitUserError
		}
		return exitSysError
	}
	return exitSuccess
}

// userError marks failures caused by invocation mistakes rather than by the
// system: bad flags, missing files the user named, malformed input in strict
// mode.
type userError struct{ err error }

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &userError{err: fmt.Errorf(format, args...)}
}

func isUserError(err error) bool {
	var ue *userError
	return errors.As(err, &ue)
}
