package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/protocol"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/syncer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{
			name:    "protocol error",
			code:    "S001",
			wantMsg: "Protocol version mismatch",
			wantCat: CategoryProtocol,
		},
		{
			name:    "transport error",
			code:    "S101",
			wantMsg: "No free host slot",
			wantCat: CategoryTransport,
		},
		{
			name:    "config error",
			code:    "S200",
			wantMsg: "Configuration not found",
			wantCat: CategoryConfig,
		},
		{
			name:    "unknown error code",
			code:    "S999",
			wantMsg: "Unknown error",
			wantCat: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.Equal(t, tt.wantCat, err.Category)
			assert.Equal(t, tt.code, err.Code)
		})
	}
}

func TestTemplateSuggestionIsCopied(t *testing.T) {
	err := New("S004")
	require.NotEmpty(t, err.Suggestion, "S004 carries its template suggestion")
	err.WithSuggestion("custom")
	tmpl, _ := GetTemplate("S004")
	assert.NotEqual(t, "custom", tmpl.Suggestion, "WithSuggestion modified the registry")
}

func TestErrorString(t *testing.T) {
	err := New("S006")
	assert.EqualError(t, err, "S006: Duplicate packet")

	err.Wrap(fmt.Errorf("seq 4"))
	assert.EqualError(t, err, "S006: Duplicate packet: seq 4")

	assert.EqualError(t, &Error{Message: "test error"}, "test error")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("read: %w", protocol.ErrTruncated), "S004"},
		{protocol.NewFatalError(protocol.ErrCodeProtocolMismatch, "v7"), "S001"},
		{fmt.Errorf("join: %w", syncer.ErrFull), "S101"},
		{record.ErrNotFound, "S301"},
		{stderrors.New("something else"), "S300"},
	}
	for _, tt := range tests {
		got := Classify(tt.err, "S300")
		assert.Equal(t, tt.code, got.Code, "Classify(%v)", tt.err)
		assert.ErrorIs(t, got, tt.err, "Classify(%v) wraps the cause", tt.err)
	}

	assert.Nil(t, Classify(nil, "S300"))
}

func TestClassifyPacketError(t *testing.T) {
	pe := &messenger.PacketError{
		Source: "capture.ssr",
		Stream: 1,
		Seq:    9,
		Class:  2,
		Err:    protocol.ErrUnknownClass,
	}
	got := Classify(fmt.Errorf("apply: %w", pe), "S300")
	require.Equal(t, "S002", got.Code)
	require.NotNil(t, got.Location)
	assert.Equal(t, "capture.ssr", got.Location.Stream)
	assert.Equal(t, uint32(9), got.Location.Seq)
	assert.Equal(t, "capture.ssr seq 9", got.Location.String())
}

func TestFromErrorKeepsExisting(t *testing.T) {
	orig := New("S102")
	assert.Same(t, orig, FromError(fmt.Errorf("dial: %w", orig), "S300"))
	assert.Equal(t, "S300", FromError(stderrors.New("x"), "S300").Code)
	assert.Nil(t, FromError(nil, "S300"))
}

func TestWithBytes(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	err := New("S004").WithLocation("rec", 0, 20).WithBytes(data, 20)

	require.Len(t, err.Context, 3)
	assert.True(t, strings.HasPrefix(err.Context[1], "10 11 12 13 14"), "row 1 = %q", err.Context[1])
	assert.True(t, strings.HasSuffix(err.Context[2], "26 27"), "row 2 = %q", err.Context[2])

	assert.Nil(t, New("S004").WithBytes(data, 100).Context, "offset past the end adds no context")
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	data := []byte{0x55, 0x55, 0x55, 0x55, 1, 0, 0, 0}
	err := New("S004").
		WithLocation("capture.ssr", 1, 4).
		WithBytes(data, 4).
		Wrap(protocol.ErrTruncated)

	out := err.Format()
	for _, want := range []string{
		"ERROR S004: Truncated stream",
		"capture.ssr seq 1 @0x4",
		"→ 0x0000 │ 55 55 55 55 01 00 00 00",
		"│             ^",
		"Cause: protocol: truncated stream",
		"Hint: The recording was cut short.",
	} {
		assert.Contains(t, out, want)
	}
}

func TestFormatCompact(t *testing.T) {
	err := New("S002").WithLocation("peer:b", 3, -1)
	assert.Equal(t, "peer:b seq 3: S002: Unknown class", err.FormatCompact())
}

func TestFormatJSON(t *testing.T) {
	err := New("S201").WithDetail("pool_size must be positive").Wrap(stderrors.New("bad"))

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(err.FormatJSON()), &got))
	assert.Equal(t, "S201", got["code"])
	assert.Equal(t, "config", got["category"])
	assert.Equal(t, "bad", got["cause"])
}

func TestEveryClassHasATemplate(t *testing.T) {
	for _, c := range classes {
		_, ok := GetTemplate(c.code)
		assert.True(t, ok, "%v maps to unregistered code %s", c.sentinel, c.code)
	}
	assert.Len(t, GetAllCodes(), len(registry))
}

func TestRegister(t *testing.T) {
	Register("S399", ErrorTemplate{Category: CategoryCLI, Message: "custom"})
	defer delete(registry, "S399")

	assert.Equal(t, "custom", New("S399").Message)
}

func TestWrapText(t *testing.T) {
	lines := wrapText("one two three four five six seven", 10)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 10, "line %q", l)
	}
	assert.Equal(t, "one two three four five six seven", strings.Join(lines, " "))
}
