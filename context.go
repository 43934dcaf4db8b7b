package av1obu

import (
	"github.com/av1obu/av1obu/internal/pool"
)

// Logger is the diagnostics sink collaborator (spec §6's log(context, fmt, …)).
// The zero Logger (nil) is valid; DecoderContext falls back to a no-op.
type Logger interface {
	Logf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Logf(string, ...any) {}

// Decoder is the pixel-decode pipeline collaborator behind submit_frame.
// SubmitFrame takes ownership of ctx's current frame header and tile-group
// records; it must call done exactly once, synchronously or from another
// goroutine, to release the handoff ring slot the frame occupies. Passing
// a non-nil error to done reports a decode failure that the handoff
// controller caches and surfaces on the next call into this package.
type Decoder interface {
	SubmitFrame(ctx *DecoderContext, done func(error))
}

// DecodeFrameTypeFilter restricts which frame types are ever emitted to
// the user-visible output, matching dav1d's decode_frame_type knob.
type DecodeFrameTypeFilter int

const (
	// DecodeAllFrames emits every displayable frame.
	DecodeAllFrames DecodeFrameTypeFilter = iota
	// DecodeReferenceFrames drops INTER/SWITCH frames above REFERENCE
	// importance (kept for forward compatibility with dav1d's tiering;
	// this core only distinguishes "reference or key" from "all").
	DecodeReferenceFrames
	// DecodeKeyFrames drops everything except INTRA/KEY frames.
	DecodeKeyFrames
)

// Output is a single fully-formed emission: either a freshly decoded
// frame or a show_existing_frame republish of a reference slot's picture.
type Output struct {
	Picture     *Picture
	Visible     bool
	HDRCLL      *HDRContentLight
	HDRMDCV     *MasteringDisplay
	T35         []ITUT35Payload
	InputStamp  any // caller-supplied correlation token, copied verbatim
	FrameError  bool
}

// Option configures a DecoderContext at construction time.
type Option func(*DecoderContext)

// WithDecoder installs the pixel-decode collaborator. Without one, a frame
// whose tile groups are all collected is still published on Outputs() and
// still refreshes the reference slots; no pixel decode runs.
func WithDecoder(d Decoder) Option {
	return func(c *DecoderContext) { c.decoder = d }
}

// WithLogger installs a diagnostics sink.
func WithLogger(l Logger) Option {
	return func(c *DecoderContext) { c.logger = l }
}

// WithFrameSizeLimit caps decodable frame area in pixels (width*height).
// Zero (the default) means unlimited.
func WithFrameSizeLimit(maxPixels int) Option {
	return func(c *DecoderContext) { c.frameSizeLimit = maxPixels }
}

// WithStrictCompliance toggles the extra conformance checks spec §4.B/§4.E
// describe as strict-mode-only (MC_IDENTITY/I444, trailing-byte scans,
// forbidden_bit enforcement, and so on).
func WithStrictCompliance(strict bool) Option {
	return func(c *DecoderContext) { c.strict = strict }
}

// WithWorkers sizes the handoff ring, i.e. the number of frames that may be
// in flight in the pixel-decode pipeline concurrently. The default is 1
// (fully serialized handoff, no ring benefit).
func WithWorkers(n int) Option {
	return func(c *DecoderContext) {
		if n > 0 {
			c.numWorkers = n
		}
	}
}

// WithOperatingPoint selects which operating point's temporal/spatial
// layer mask gates OBU filtering (spec §4.F).
func WithOperatingPoint(idx int) Option {
	return func(c *DecoderContext) { c.operatingPoint = idx }
}

// DecoderContext is the process-wide (per independent stream) parser
// state machine described in spec §3. It is not safe for concurrent use
// by multiple goroutines calling ParseOBUs; the handoff controller it
// owns is the only part of this type touched from another goroutine
// (by an asynchronous Decoder calling back into done).
type DecoderContext struct {
	seqHdr *pool.Ref[SequenceHeader]

	// frameHdr is the header currently under construction; nil between
	// frames. It is not pooled until it is finalized at handoff time.
	frameHdr *FrameHeader

	tileGroups  []TileGroupRecord
	numTileData int

	refs [8]ReferenceSlot

	hdrCLL  *HDRContentLight
	hdrMDCV *MasteringDisplay
	t35     []ITUT35Payload

	operatingPoint    int
	operatingPointIdc uint32
	maxSpatialID      int

	decodeFrameType DecodeFrameTypeFilter
	frameSizeLimit  int
	strict          bool

	decoder Decoder
	logger  Logger

	numWorkers int
	handoff    *handoffController

	newSequenceEvent     bool
	newTemporalUnitEvent bool

	seqPool  *pool.Pool[SequenceHeader]
	fhdrPool *pool.Pool[FrameHeader]

	// pendingInputStamp is copied onto every Output published after it is
	// set, until it is replaced. Returned errors do not carry it.
	pendingInputStamp any
}

// NewContext creates a DecoderContext ready to parse an independent AV1
// elementary stream.
func NewContext(opts ...Option) *DecoderContext {
	c := &DecoderContext{
		numWorkers: 1,
		seqPool:    pool.New[SequenceHeader](func(h *SequenceHeader) { *h = SequenceHeader{} }),
		fhdrPool:   pool.New[FrameHeader](func(h *FrameHeader) { *h = FrameHeader{} }),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	c.handoff = newHandoffController(c.numWorkers)
	return c
}

func (c *DecoderContext) logf(format string, args ...any) {
	c.logger.Logf(format, args...)
}

// SequenceHeaderRef returns the currently active sequence header, or nil
// before the first OBU_SEQUENCE_HEADER has been parsed.
func (c *DecoderContext) SequenceHeaderRef() *SequenceHeader {
	return c.seqHdr.Get()
}

// SetInputStamp records a caller-defined correlation token (e.g. a
// presentation timestamp) to be copied onto every Output published after
// this call, until the next SetInputStamp. Errors returned by ParseOBUs
// and TakeError do not carry it.
func (c *DecoderContext) SetInputStamp(stamp any) {
	c.pendingInputStamp = stamp
}

// TakeError surfaces a cached worker error exactly once (spec §7).
func (c *DecoderContext) TakeError() error {
	return c.handoff.takeError()
}

// Outputs returns the channel of frames published in submission order.
// Reading from it may block only as long as the pipeline has not yet
// produced the next frame in order.
func (c *DecoderContext) Outputs() <-chan *Output {
	return c.handoff.output
}

// Picture is the opaque handle to a decoded frame's pixel data plus the
// header pair that produced it. This core never inspects Data; it is the
// pixel-decode pipeline's own representation, threaded through unchanged.
type Picture struct {
	FrameHdr *pool.Ref[FrameHeader]
	SeqHdr   *pool.Ref[SequenceHeader]
	Data     any
}

func (p *Picture) ref() *Picture {
	if p == nil {
		return nil
	}
	return &Picture{
		FrameHdr: p.FrameHdr.Ref(),
		SeqHdr:   p.SeqHdr.Ref(),
		Data:     p.Data,
	}
}

// CDFContext is an opaque handle to the arithmetic coder's cumulative
// distribution tables for a reference slot; owned and mutated by the
// tile-data entropy pipeline, only carried by this package.
type CDFContext struct {
	Data any
}

// SegmentationMap is an opaque per-superblock segmentation id buffer.
type SegmentationMap struct {
	Data any
}

// MotionVectorBuffer is an opaque saved motion-vector grid used for
// ref_frame_mvs prediction.
type MotionVectorBuffer struct {
	Data any
}
