package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors collapses the non-nil errors from a fan-out operation into
// one logged, joined error. Nil when nothing failed.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(failed...)
	Log().Error(operation+" finished with errors",
		append(fields,
			Field{Key: "failed", Value: len(failed)},
			Field{Key: "error", Value: joined.Error()})...)
	return fmt.Errorf("%s: %w", operation, joined)
}
