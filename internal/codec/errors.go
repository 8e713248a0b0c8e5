package codec

import "fmt"

// ParseError reports a malformed line in the canonical topology file.
// Malformed entities are never dropped or guessed at; the load fails with
// the line number and reason so the operator can fix the file.
type ParseError struct {
	Line   int
	Reason string
	Err    error // underlying validation error, if any
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// UnsupportedDirectiveError reports a directive the codec does not
// understand in otherwise well-formed input. Rejecting instead of
// preserving opaquely avoids writing back a file the simulator would
// misread.
type UnsupportedDirectiveError struct {
	Line      int
	Directive string
}

func (e *UnsupportedDirectiveError) Error() string {
	return fmt.Sprintf("line %d: unsupported directive %q", e.Line, e.Directive)
}
