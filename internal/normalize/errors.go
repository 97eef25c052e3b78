package normalize

import (
	"fmt"
	"sort"
	"strings"
)

// FieldError is one configuration problem located by a dotted field path
type FieldError struct {
	Path    string
	Message string
	Err     error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// ValidationError aggregates every problem found in a config document
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid config: " + e.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid config (%d problems):", len(e.Errors))
	for _, fe := range e.Errors {
		b.WriteString("\n  - ")
		b.WriteString(fe.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying causes so errors.Is can match sentinel
// errors such as model.ErrAmbiguousImageReference.
func (e *ValidationError) Unwrap() []error {
	var out []error
	for _, fe := range e.Errors {
		if fe.Err != nil {
			out = append(out, fe.Err)
		}
	}
	return out
}

// HasErrors reports whether any field error was collected
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(path string, cause error, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	for _, existing := range e.Errors {
		if existing.Path == path && existing.Message == msg {
			return
		}
	}
	e.Errors = append(e.Errors, FieldError{Path: path, Message: msg, Err: cause})
}

func (e *ValidationError) sort() {
	sort.SliceStable(e.Errors, func(i, j int) bool { return e.Errors[i].Path < e.Errors[j].Path })
}
