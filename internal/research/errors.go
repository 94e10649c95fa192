package research

import "errors"

// Error taxonomy shared by all stages. Components wrap these with context via
// fmt.Errorf("...: %w", err); callers classify with errors.Is.
var (
	// ErrTransientIO marks a retryable network or service hiccup.
	ErrTransientIO = errors.New("transient I/O error")

	// ErrMalformedResponse marks model output that failed schema parsing.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrResourceExhausted is returned when a model unload cannot be
	// confirmed. It is fatal to the run.
	ErrResourceExhausted = errors.New("resource exhausted: model unload not confirmed")

	// ErrEmptyResult is returned when a stage produced zero usable items.
	ErrEmptyResult = errors.New("stage produced no usable items")

	// ErrCancelled is returned when an external cancel was observed at a
	// checkpoint.
	ErrCancelled = errors.New("run cancelled")
)

// IsFatal reports whether err must abort a pipeline run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrEmptyResult) ||
		errors.Is(err, ErrCancelled)
}
