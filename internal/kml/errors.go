package kml

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an archive carries no payload document.
	ErrNotFound = errors.New("not found")

	// ErrMalformedInput is returned for unterminated CDATA, unparsable XML,
	// short coordinate tokens and unclosed rings.
	ErrMalformedInput = errors.New("malformed input")

	// ErrConflict is returned when a payload selection is ambiguous.
	ErrConflict = errors.New("conflict")
)

// NoPlacemark marks an InputError that is not tied to a placemark.
const NoPlacemark = -1

// InputError locates a failure inside one input file.
// errors.Is matches both the Kind sentinel and the wrapped cause.
type InputError struct {
	Kind      error
	File      string
	Placemark int // zero-based; NoPlacemark when not applicable
	Detail    string
	Err       error
}

func (e *InputError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.File != "" {
		b.WriteString(": ")
		b.WriteString(e.File)
	}
	if e.Placemark >= 0 {
		fmt.Fprintf(&b, " placemark[%d]", e.Placemark)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InputError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Malformed builds an ErrMalformedInput error.
func Malformed(file string, placemark int, detail string, err error) *InputError {
	return &InputError{Kind: ErrMalformedInput, File: file, Placemark: placemark, Detail: detail, Err: err}
}

// NotFound builds an ErrNotFound error.
func NotFound(file, detail string) *InputError {
	return &InputError{Kind: ErrNotFound, File: file, Placemark: NoPlacemark, Detail: detail}
}

// Conflict builds an ErrConflict error.
func Conflict(file, detail string) *InputError {
	return &InputError{Kind: ErrConflict, File: file, Placemark: NoPlacemark, Detail: detail}
}

// ErrorPolicy decides what happens to a batch when one record is malformed.
type ErrorPolicy string

const (
	// PolicyAbort stops the batch on the first malformed record.
	PolicyAbort ErrorPolicy = "abort"
	// PolicySkip drops the malformed placemark or file with a warning.
	PolicySkip ErrorPolicy = "skip"
)

// ParseErrorPolicy validates a policy name. Empty means PolicyAbort.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown error policy %q (want abort or skip)", s)
	}
}

// KindName returns a short label for the kind of err, for metrics and
// API responses.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
