package main

import (
	"errors"
	"fmt"
)

type renderErrorKind int

const (
	// renderErrCompile and renderErrEmpty are the user's fault and carry a
	// message worth showing verbatim. renderErrTimeout and renderErrTool
	// are operational: the request died but the expression may be fine.
	renderErrCompile renderErrorKind = iota
	renderErrTimeout
	renderErrEmpty
	renderErrTool
)

// renderError is the classified failure the pipeline hands back instead of
// letting callers guess from error text. Unclassified errors from the
// pipeline are always treated as operational.
type renderError struct {
	kind  renderErrorKind
	msg   string
	cause error
}

func (e *renderError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	switch e.kind {
	case renderErrTimeout:
		return "the compiler ran too long and was killed"
	case renderErrEmpty:
		return "the expression produced no visible output"
	case renderErrTool:
		return "an external tool failed"
	}
	return "render failed"
}

func (e *renderError) Unwrap() error { return e.cause }

// kindLabel is the short failure label used for counters and logs.
func (e *renderError) kindLabel() string {
	switch e.kind {
	case renderErrCompile:
		return "compile"
	case renderErrTimeout:
		return "timeout"
	case renderErrEmpty:
		return "empty"
	case renderErrTool:
		return "tool"
	}
	return "unknown"
}

// userCorrectable reports whether re-sending a fixed expression could
// succeed, which controls whether the raw message is shown to the user.
func (e *renderError) userCorrectable() bool {
	return e.kind == renderErrCompile || e.kind == renderErrEmpty
}

func asRenderError(err error) (*renderError, bool) {
	var re *renderError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// toolExitError wraps a non-zero exit from an external tool together with
// its combined output for diagnosis.
type toolExitError struct {
	tool   string
	output []byte
	err    error
}

func (e *toolExitError) Error() string {
	return fmt.Sprintf("%s: %v", e.tool, e.err)
}

func (e *toolExitError) Unwrap() error { return e.err }
