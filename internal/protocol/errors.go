package protocol

import "fmt"

// ProtocolError means the input violated the message protocol. It is fatal.
type ProtocolError struct {
	Line   int
	Stream string
	Reason string
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Line > 0 && e.Stream != "":
		return fmt.Sprintf("protocol: line %d (stream %q): %s", e.Line, e.Stream, e.Reason)
	case e.Line > 0:
		return fmt.Sprintf("protocol: line %d: %s", e.Line, e.Reason)
	case e.Stream != "":
		return fmt.Sprintf("protocol: stream %q: %s", e.Stream, e.Reason)
	default:
		return "protocol: " + e.Reason
	}
}

func Errorf(line int, stream, format string, args ...any) *ProtocolError {
	return &ProtocolError{Line: line, Stream: stream, Reason: fmt.Sprintf(format, args...)}
}

// DecodeWarning reports an input line that was not valid JSON and was skipped.
type DecodeWarning struct {
	Line int
	Err  error
}

func (w DecodeWarning) Error() string {
	return fmt.Sprintf("protocol: line %d skipped: %v", w.Line, w.Err)
}

func (w DecodeWarning) Unwrap() error { return w.Err }
