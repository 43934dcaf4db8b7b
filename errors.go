package av1obu

import "errors"

// Sentinel errors, matching the error kinds of spec §7. Wrap with
// fmt.Errorf("%w: ...") for call-site context, the way the teacher
// package's mux/demux errors are used.
var (
	// ErrInvalidBitstream covers malformed field values, bit-reader
	// overrun, trailing-bit failures, LEB128 overrun, and ordering-rule
	// violations.
	ErrInvalidBitstream = errors.New("av1obu: invalid bitstream")

	// ErrSeqHdrNotFound is returned by ParseSequenceHeader when no
	// OBU_SEQUENCE_HEADER is present in the scanned bytes.
	ErrSeqHdrNotFound = errors.New("av1obu: no sequence header OBU found")

	// ErrNoSequenceHeader is returned when a frame header, frame or
	// redundant frame header OBU is encountered before any sequence header
	// has been parsed. A tile-group OBU with no frame header before it
	// returns ErrInvalidBitstream instead.
	ErrNoSequenceHeader = errors.New("av1obu: frame OBU before sequence header")

	// ErrFrameSizeExceeded is returned when a frame's dimensions exceed
	// the configured ceiling.
	ErrFrameSizeExceeded = errors.New("av1obu: frame size exceeds configured limit")

	// ErrOutOfMemory is returned when a header or metadata pool
	// allocation fails.
	ErrOutOfMemory = errors.New("av1obu: allocation failed")

	// ErrTileGroupMismatch is returned when accumulated tile-group
	// records overlap, leave gaps, or otherwise fail to reconstruct the
	// full tile grid.
	ErrTileGroupMismatch = errors.New("av1obu: tile group range mismatch")

	// ErrUnknownReferenceSlot is returned when a frame references an
	// unpopulated reference slot.
	ErrUnknownReferenceSlot = errors.New("av1obu: reference to unpopulated slot")
)
