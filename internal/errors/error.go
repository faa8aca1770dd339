package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/vango-dev/scenesync/pkg/messenger"
)

// Category represents the type of error.
type Category string

const (
	CategoryProtocol  Category = "protocol"
	CategoryTransport Category = "transport"
	CategoryConfig    Category = "config"
	CategoryCLI       Category = "cli"
)

// Location is a position in a stream.
type Location struct {
	Stream string
	Seq    uint32
	Offset int
}

// String returns the location as a formatted string.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(l.Stream)
	if l.Seq > 0 {
		fmt.Fprintf(&b, " seq %d", l.Seq)
	}
	if l.Offset >= 0 {
		fmt.Fprintf(&b, " @%#x", l.Offset)
	}
	return b.String()
}

// Error is a structured error with a stream location and a suggestion.
type Error struct {
	// Code is a unique error identifier (e.g., "S001").
	Code string

	// Category is the error type.
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Location is where in a stream the error occurred.
	Location *Location

	// Context is a hex dump around Location, one row per line.
	Context []string

	// contextStart is the offset of the first Context row.
	contextStart int

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithLocation sets the stream position. A negative offset is omitted.
func (e *Error) WithLocation(stream string, seq uint32, offset int) *Error {
	e.Location = &Location{Stream: stream, Seq: seq, Offset: offset}
	return e
}

const hexRow = 16

// WithBytes adds a hex dump of the rows around offset.
func (e *Error) WithBytes(data []byte, offset int) *Error {
	if offset < 0 || offset > len(data) {
		return e
	}
	row := offset / hexRow * hexRow
	start := max(row-hexRow, 0)
	end := min(row+2*hexRow, len(data))

	e.Context = nil
	e.contextStart = start
	for i := start; i < end; i += hexRow {
		chunk := data[i:min(i+hexRow, end)]
		parts := make([]string, len(chunk))
		for j, c := range chunk {
			parts[j] = fmt.Sprintf("%02x", c)
		}
		e.Context = append(e.Context, strings.Join(parts, " "))
	}
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *Error) WithDetail(d string) *Error {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *Error) Wrap(err error) *Error {
	e.Wrapped = err
	return e
}

// New creates an Error from a registered error code.
func New(code string) *Error {
	template, ok := registry[code]
	if !ok {
		return &Error{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &Error{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Detail:     template.Detail,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a new Error with a formatted message (no code).
func Newf(category Category, format string, args ...any) *Error {
	return &Error{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps err in an Error with the given code, or returns err
// itself if it already is one.
func FromError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(code).Wrap(err)
}

// Classify picks the code for a library error and fills in the location of
// a rejected packet. Unrecognized errors get fallback.
func Classify(err error, fallback string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	code := fallback
	for _, c := range classes {
		if stderrors.Is(err, c.sentinel) {
			code = c.code
			break
		}
	}
	out := New(code).Wrap(err)
	var pe *messenger.PacketError
	if stderrors.As(err, &pe) {
		out.WithLocation(pe.Source, pe.Seq, -1)
	}
	return out
}
