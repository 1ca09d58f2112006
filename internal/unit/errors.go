package unit

import "fmt"

// ErrorKind classifies analysis failures so callers can decide whether a
// previously stored descriptor should survive.
type ErrorKind string

const (
	// ErrParse means the file could not be parsed. Callers keep any previous
	// descriptor since the file is most likely being edited.
	ErrParse ErrorKind = "parse"
	// ErrNoEntry means the file parsed but exports no entry point.
	ErrNoEntry ErrorKind = "no_entry"
	// ErrInvalid means the file declares an entry point that cannot be used.
	ErrInvalid ErrorKind = "invalid"
)

// AnalysisError explains why a file did not yield a descriptor.
type AnalysisError struct {
	SourceID string
	Path     string
	Kind     ErrorKind
	Reason   string
	Err      error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analyze %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("analyze %s: %s", e.Path, e.Reason)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// KeepPrevious reports whether a stored descriptor for the same source should
// be left in place.
func (e *AnalysisError) KeepPrevious() bool {
	return e != nil && e.Kind == ErrParse
}
