package decode

import "fmt"

// Error reports malformed or truncated binary input. It is recoverable: the
// message is dropped and counted, never fatal to the pipeline.
type Error struct {
	Stage  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode: %s: %s", e.Stage, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }
