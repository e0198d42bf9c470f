package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// CommitError is one failed drain.
type CommitError struct {
	Stream  string
	BatchID string
	Rows    int
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s (batch %s, %d rows): %v", e.Stream, e.BatchID, e.Rows, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// AggregateError carries every drain failure of one flush cycle.
type AggregateError struct {
	merr *multierror.Error
}

func aggregate(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	merr := multierror.Append(nil, errs...)
	merr.ErrorFormat = func(es []error) string {
		lines := make([]string, len(es))
		for i, e := range es {
			lines[i] = "\t* " + e.Error()
		}
		return fmt.Sprintf("%d drain(s) failed:\n%s", len(es), strings.Join(lines, "\n"))
	}
	return &AggregateError{merr: merr}
}

func (e *AggregateError) Error() string { return e.merr.Error() }

func (e *AggregateError) Unwrap() []error { return e.merr.WrappedErrors() }

// Failures lists the commit errors in drain order.
func (e *AggregateError) Failures() []*CommitError {
	var out []*CommitError
	for _, err := range e.merr.Errors {
		var ce *CommitError
		if errors.As(err, &ce) {
			out = append(out, ce)
		}
	}
	return out
}
