package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/scenesync/internal/errors"
	"github.com/vango-dev/scenesync/pkg/protocol"
)

func dumpCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file|id>",
		Short: "List the framing of a recorded stream",
		Long: `List every framing token of a stream: headers, packets, events and
remaps, with their byte offsets. Malformed input is reported with a hex
view of the offending bytes.

The argument is a file path or the id of a stored recording.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			data, name, err := readRecording(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			_, err = dumpStream(os.Stdout, name, data)
			return err
		},
	}
	return cmd
}

// dumpSummary counts what dumpStream saw.
type dumpSummary struct {
	Packets int
	Events  int
	Remaps  int
	Syncs   int
}

// dumpStream writes one line per framing element of data. Packet bodies are
// skipped by length; only their first operation is shown. A bare object
// operation ends the listing because its operands cannot be skipped
// without the class.
func dumpStream(w io.Writer, name string, data []byte) (dumpSummary, error) {
	var sum dumpSummary
	var seq uint32
	dec := protocol.NewDecoder(data)

	fail := func(code string, pos int, err error) (dumpSummary, error) {
		return sum, errors.New(code).
			WithLocation(name, seq, pos).
			WithBytes(data, pos).
			Wrap(err)
	}

	for !dec.EOF() {
		pos := dec.Position()
		tok, err := dec.ReadToken()
		if err != nil {
			return fail("S004", pos, protocol.ErrTruncated)
		}

		switch tok {
		case protocol.TokenDoNothing:
			fmt.Fprintf(w, "%#06x  DoNothing\n", pos)

		case protocol.TokenVersion:
			rec, err := protocol.DecodeVersionFrom(dec)
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			fmt.Fprintf(w, "%#06x  Version %d vec=%d\n", pos, rec.Version, rec.VecSize)
			if rec.Version != protocol.CurrentVersion {
				return fail("S001", pos, fmt.Errorf("%w: stream speaks %d", protocol.ErrProtocolMismatch, rec.Version))
			}

		case protocol.TokenVecSize, protocol.TokenSetStreamID, protocol.TokenSync:
			v, err := dec.ReadUint32()
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			fmt.Fprintf(w, "%#06x  %s %d\n", pos, tok, v)
			if tok == protocol.TokenSync {
				sum.Syncs++
			}

		case protocol.TokenExit:
			fmt.Fprintf(w, "%#06x  Exit\n", pos)

		case protocol.TokenBegin:
			hdr, err := protocol.DecodePacketHeaderFrom(dec)
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			seq = hdr.Seq
			body, err := dec.ReadBytes(int(hdr.Length))
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			fmt.Fprintf(w, "%#06x  Begin stream=%d seq=%d len=%d%s\n", pos, hdr.StreamID, hdr.Seq, hdr.Length, firstOp(body))
			endPos := dec.Position()
			end, err := dec.ReadToken()
			if err != nil {
				return fail("S004", endPos, protocol.ErrTruncated)
			}
			if end != protocol.TokenEnd {
				return fail("S005", endPos, fmt.Errorf("%w: %v after packet body", protocol.ErrUnexpectedToken, end))
			}
			sum.Packets++

		case protocol.TokenEnd:
			return fail("S005", pos, fmt.Errorf("%w: End outside a packet", protocol.ErrUnexpectedToken))

		case protocol.TokenEvent:
			ev, err := protocol.DecodeEventFrom(dec)
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			fmt.Fprintf(w, "%#06x  Event code=%d sender=%d target=%d time=%d data=%dB\n",
				pos, ev.Code, ev.Sender, ev.Target, ev.Time, len(ev.Data))
			sum.Events++

		case protocol.TokenRemap:
			rec, err := protocol.DecodeRemapFrom(dec)
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			fmt.Fprintf(w, "%#06x  Remap %d -> %d mask=%#08x\n", pos, rec.Old, rec.New, rec.Mask)
			sum.Remaps++

		case protocol.TokenConnect:
			rec, err := protocol.DecodeConnectFrom(dec)
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			fmt.Fprintf(w, "%#06x  Connect %q -> %d\n", pos, rec.Name, rec.Handle)

		default:
			h, err := dec.ReadUint32()
			if err != nil {
				return fail("S004", pos, protocol.ErrTruncated)
			}
			fmt.Fprintf(w, "%#06x  %s h=%d (bare operation, listing stops)\n", pos, tok, h)
			return sum, nil
		}
	}

	fmt.Fprintf(w, "%d packets, %d events, %d remaps, %d syncs, %d bytes\n",
		sum.Packets, sum.Events, sum.Remaps, sum.Syncs, len(data))
	return sum, nil
}

// firstOp describes the leading element of a packet body.
func firstOp(body []byte) string {
	dec := protocol.NewDecoder(body)
	tok, err := dec.ReadToken()
	if err != nil {
		return ""
	}
	if tok.IsFraming() {
		return " first=" + tok.String()
	}
	h, err := dec.ReadUint32()
	if err != nil {
		return " first=" + tok.String()
	}
	return fmt.Sprintf(" first=%s h=%d", tok, h)
}
