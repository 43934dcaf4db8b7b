// Package av1obu implements the AV1 Open Bitstream Unit (OBU) demultiplexer
// and high-level syntax parser: the part of an AV1 decoder that turns a raw
// byte stream into sequence headers, frame headers, tile-group descriptors
// and metadata, validates them against the AV1 specification's profile and
// level constraints, and hands completed frames off to a pixel-decoding
// pipeline.
//
// The package supports:
//   - Sequence, frame and redundant-frame-header OBU parsing (AV1 §5.5, §5.9)
//   - Tile-group OBU parsing and payload slicing (AV1 §5.11)
//   - HDR content-light, mastering-display and ITU-T T.35 metadata OBUs
//   - Temporal/spatial operating-point layer filtering
//   - An 8-slot reference frame table with header/CDF/segmentation-map/
//     motion-vector lifetime management
//   - A bounded, backpressured handoff to a pool of pixel-decode workers
//
// Pixel decoding itself, tile-data entropy decoding, SIMD kernel selection,
// picture memory pools and container demuxing (Matroska/ISOBMFF) are all
// out of scope; this package only ever sees them through the Decoder and
// Logger interfaces it accepts.
//
// Basic usage:
//
//	ctx := av1obu.NewContext(av1obu.WithDecoder(myDecoder))
//	for len(data) > 0 {
//		n, err := ctx.ParseOBUs(data)
//		if err != nil {
//			return err
//		}
//		data = data[n:]
//	}
package av1obu
