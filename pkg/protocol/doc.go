// Package protocol implements the little-endian wire format shared by
// streams, transport buffers and peer links.
//
// # Wire Format
//
// A stream is a sequence of elements, each led by a u32 token:
//
//	[u32 token][payload]
//
// Framing tokens are fixed magic values (Version, Connect, SetStreamID,
// Exit, Begin, End, Sync, Event, Remap, VecSize, DoNothing). Any other
// token is an object operation:
//
//	[u16 op][u16 classid][u32 handle][typed args...]
//
// which reads as the u32 classid<<16 | op. Object references inside args
// are a u32 handle, 0 meaning null. Strings are a u32 padded length
// followed by the bytes, a NUL and zero padding up to 4-byte alignment.
//
// # Packets
//
// Operations between Begin and End form a packet, the unit of atomic
// application:
//
//	[Begin][u32 stream][u32 seq][u32 body length][body...][End]
//
// The body length lets a reader stage a whole packet before touching any
// object, and skip a packet it rejects.
//
// # Link Frames
//
// Peer links carry sealed buffers in frames with a 4-byte header
// (type, flags, u16 little-endian length). The first exchange on a link is
// Hello / Welcome, which carries the protocol version; any mismatch closes
// the link.
package protocol
