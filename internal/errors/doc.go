// Package errors provides structured, actionable diagnostics for the
// scenesync command line.
//
// Every diagnostic has a code that maps to a registered template:
//   - S0xx protocol: malformed or mismatched streams
//   - S1xx transport: links, peers and the buffered transport
//   - S2xx config: project configuration
//   - S3xx cli: commands and recordings
//
// # Usage
//
//	err := errors.New("S004").
//	    WithLocation("capture.ssr", 3, 0x40).
//	    WithBytes(data, 0x40)
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR S004: Truncated stream
//	//
//	//   capture.ssr seq 3 @0x40
//	//
//	//     0x0030 │ 55 55 55 55 01 00 00 00 03 00 00 00 10 00 00 00
//	//   → 0x0040 │ 01 00 05 00 07 00 00 00
//	//            │ ^
//	//
//	//   Hint: The recording was cut short. Re-record or drop the last packet.
//
// Classify maps the package sentinels of pkg/protocol, pkg/messenger,
// pkg/link, pkg/syncer and pkg/record onto codes.
package errors
