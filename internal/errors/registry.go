package errors

import (
	"github.com/vango-dev/scenesync/pkg/bufmess"
	"github.com/vango-dev/scenesync/pkg/link"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/protocol"
	"github.com/vango-dev/scenesync/pkg/record"
	"github.com/vango-dev/scenesync/pkg/syncer"
)

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// Protocol (S001-S099)

	"S001": {
		Category:   CategoryProtocol,
		Message:    "Protocol version mismatch",
		Detail:     "The stream was written by a different protocol version. Only one version is understood.",
		Suggestion: "Upgrade both ends to the same scenesync release.",
	},
	"S002": {
		Category:   CategoryProtocol,
		Message:    "Unknown class",
		Detail:     "A packet creates or modifies an object of a class that is not registered in this process.",
		Suggestion: "Register the class before loading the stream.",
	},
	"S003": {
		Category: CategoryProtocol,
		Message:  "Operation outside class range",
		Detail:   "The operation number is not owned by the object's class or any of its base classes.",
	},
	"S004": {
		Category:   CategoryProtocol,
		Message:    "Truncated stream",
		Detail:     "The stream ended in the middle of a packet or operation.",
		Suggestion: "The recording was cut short. Re-record or drop the last packet.",
	},
	"S005": {
		Category: CategoryProtocol,
		Message:  "Unexpected token",
		Detail:   "A framing token appeared where it is not allowed, for example a Begin inside an open packet.",
	},
	"S006": {
		Category: CategoryProtocol,
		Message:  "Duplicate packet",
		Detail:   "A packet with this stream and sequence number was already applied.",
	},
	"S007": {
		Category: CategoryProtocol,
		Message:  "Class mismatch",
		Detail:   "An operation targets a handle bound to an object of an unrelated class.",
	},
	"S008": {
		Category: CategoryProtocol,
		Message:  "Frame too large",
		Detail:   "A link frame exceeds the maximum payload size.",
	},

	// Transport (S100-S199)

	"S100": {
		Category: CategoryTransport,
		Message:  "Link closed",
		Detail:   "The connection to the peer was closed.",
	},
	"S101": {
		Category:   CategoryTransport,
		Message:    "No free host slot",
		Detail:     "The synchronizer already has the maximum number of peers.",
		Suggestion: "Disconnect an idle peer or run another host.",
	},
	"S102": {
		Category: CategoryTransport,
		Message:  "Handshake failed",
		Detail:   "The peer did not complete the hello/welcome exchange.",
	},
	"S103": {
		Category: CategoryTransport,
		Message:  "Send failed",
		Detail:   "A frame could not be delivered. It is retried on the next frame.",
	},
	"S104": {
		Category:   CategoryTransport,
		Message:    "Packet too large",
		Detail:     "A single packet does not fit in a transport buffer.",
		Suggestion: "Raise buffer_size in scenesync.json or split the packet.",
	},
	"S105": {
		Category: CategoryTransport,
		Message:  "Transport already running",
		Detail:   "Only one buffered transport can be live per process.",
	},

	// Config (S200-S299)

	"S200": {
		Category:   CategoryConfig,
		Message:    "Configuration not found",
		Detail:     "No scenesync.json was found in the directory or its parents.",
		Suggestion: "Run the command from a project directory or pass --config.",
	},
	"S201": {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
		Detail:   "scenesync.json contains a value outside its allowed range.",
	},

	// CLI (S300-S399)

	"S300": {
		Category: CategoryCLI,
		Message:  "Command failed",
	},
	"S301": {
		Category:   CategoryCLI,
		Message:    "Recording not found",
		Detail:     "No recording with this id exists in the configured store.",
		Suggestion: "List recordings with GET /recordings or check the recordings backend.",
	},
	"S302": {
		Category: CategoryCLI,
		Message:  "Invalid recording id",
		Detail:   "Recording ids are 26 character ULIDs.",
	},
	"S303": {
		Category: CategoryCLI,
		Message:  "Recording too large",
	},
}

// classes maps library sentinels to codes, most specific first.
var classes = []struct {
	sentinel error
	code     string
}{
	{protocol.ErrProtocolMismatch, "S001"},
	{protocol.ErrUnknownClass, "S002"},
	{protocol.ErrUnknownOpcode, "S003"},
	{protocol.ErrTruncated, "S004"},
	{protocol.ErrUnexpectedToken, "S005"},
	{messenger.ErrDuplicatePacket, "S006"},
	{messenger.ErrClassMismatch, "S007"},
	{protocol.ErrFrameTooLarge, "S008"},
	{link.ErrClosed, "S100"},
	{syncer.ErrFull, "S101"},
	{syncer.ErrHandshake, "S102"},
	{protocol.ErrInvalidHandshake, "S102"},
	{syncer.ErrSendFailed, "S103"},
	{bufmess.ErrPacketTooLarge, "S104"},
	{bufmess.ErrTransportExists, "S105"},
	{record.ErrNotFound, "S301"},
	{record.ErrInvalidID, "S302"},
	{record.ErrTooLarge, "S303"},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
