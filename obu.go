package av1obu

import (
	"fmt"

	"github.com/av1obu/av1obu/internal/bitreader"
	"github.com/av1obu/av1obu/internal/pool"
)

// ObuType is the AV1 obu_type field (§6.2.2), preserved as its wire value
// so an unrecognized type still round-trips through logging untouched.
type ObuType uint8

const (
	ObuSeqHdr            ObuType = 1
	ObuTD                ObuType = 2
	ObuFrameHdr          ObuType = 3
	ObuTileGrp           ObuType = 4
	ObuMetadata          ObuType = 5
	ObuFrame             ObuType = 6
	ObuRedundantFrameHdr ObuType = 7
	ObuTileList          ObuType = 8
	ObuPadding           ObuType = 15
)

// ObuHeader is the fixed leading fields of every open_bitstream_unit(),
// before its payload.
type ObuHeader struct {
	Type         ObuType
	HasExtension bool
	HasSizeField bool
	TemporalID   int
	SpatialID    int
}

func parseObuHeader(r *bitreader.Reader, strict bool) (ObuHeader, error) {
	forbidden := r.Bit() != 0
	if strict && forbidden {
		return ObuHeader{}, fmt.Errorf("%w: obu_forbidden_bit set", ErrInvalidBitstream)
	}
	var hdr ObuHeader
	hdr.Type = ObuType(r.Bits(4))
	hdr.HasExtension = r.Bit() != 0
	hdr.HasSizeField = r.Bit() != 0
	r.Bit() // obu_reserved_1bit
	if hdr.HasExtension {
		hdr.TemporalID = int(r.Bits(3))
		hdr.SpatialID = int(r.Bits(2))
		r.Bits(3) // extension_header_reserved_3bits
	}
	if r.Error() {
		return ObuHeader{}, fmt.Errorf("%w: obu header overrun", ErrInvalidBitstream)
	}
	return hdr, nil
}

// splitOneOBU reads one OBU's header and framing out of data and returns
// its header, its payload slice, and the total number of bytes (header
// plus payload) it occupies. When the OBU carries no explicit size
// field, the payload is taken to run to the end of data — this core is
// always handed exactly one externally-framed unit at a time in that
// case, matching the reference decoder's own assumption.
func splitOneOBU(data []byte, strict bool) (ObuHeader, []byte, int, error) {
	r := bitreader.New(data)
	hdr, err := parseObuHeader(r, strict)
	if err != nil {
		return ObuHeader{}, nil, 0, err
	}
	headerBytes := r.Pos() / 8
	end := len(data)
	if hdr.HasSizeField {
		length := r.Leb128()
		if r.Error() {
			return ObuHeader{}, nil, 0, fmt.Errorf("%w: malformed obu length", ErrInvalidBitstream)
		}
		headerBytes = r.Pos() / 8
		end = headerBytes + int(length)
		if end > len(data) {
			return ObuHeader{}, nil, 0, fmt.Errorf("%w: obu length exceeds remaining data", ErrInvalidBitstream)
		}
	}
	return hdr, data[headerBytes:end], end, nil
}

// ParseOBUs consumes a run of one or more back-to-back OBUs from data,
// dispatching each to the component parser its type names and driving
// reference-slot updates and frame handoff as each OBU completes. It
// returns the number of leading bytes consumed, which is len(data) on
// success.
func (c *DecoderContext) ParseOBUs(data []byte) (int, error) {
	c.newSequenceEvent = false
	c.newTemporalUnitEvent = false

	pos := 0
	for pos < len(data) {
		hdr, payload, consumed, err := splitOneOBU(data[pos:], c.strict)
		if err != nil {
			return pos, err
		}

		if c.layerFiltered(hdr) {
			pos += consumed
			continue
		}

		pr := bitreader.New(payload)
		if err := c.dispatchOBU(hdr, pr, payload); err != nil {
			return pos, err
		}
		if err := c.postOBUHousekeeping(); err != nil {
			return pos, err
		}
		pos += consumed
	}
	return pos, nil
}

// layerFiltered reports whether hdr belongs to a temporal/spatial layer
// the current operating point excludes. SEQ_HDR and TD are never
// filtered: they carry stream-wide state every layer needs.
func (c *DecoderContext) layerFiltered(hdr ObuHeader) bool {
	if hdr.Type == ObuSeqHdr || hdr.Type == ObuTD || !hdr.HasExtension || c.operatingPointIdc == 0 {
		return false
	}
	inTemporal := (c.operatingPointIdc>>uint(hdr.TemporalID))&1 != 0
	inSpatial := (c.operatingPointIdc>>uint(hdr.SpatialID+8))&1 != 0
	return !inTemporal || !inSpatial
}

func (c *DecoderContext) dispatchOBU(hdr ObuHeader, pr *bitreader.Reader, payload []byte) error {
	switch hdr.Type {
	case ObuSeqHdr:
		return c.handleSeqHdrOBU(pr)
	case ObuRedundantFrameHdr:
		if c.frameHdr != nil {
			return nil
		}
		return c.handleFrameHdrOBU(hdr, pr, payload)
	case ObuFrameHdr, ObuFrame:
		return c.handleFrameHdrOBU(hdr, pr, payload)
	case ObuTileGrp:
		return c.parseTileGroupOBU(pr, payload)
	case ObuMetadata:
		return c.parseMetadataOBU(pr)
	case ObuTD:
		c.newTemporalUnitEvent = true
	case ObuPadding:
		// Ignored.
	default:
		c.logf("unknown OBU type %d of size %d", hdr.Type, len(payload))
	}
	return nil
}

func (c *DecoderContext) handleSeqHdrOBU(pr *bitreader.Reader) error {
	sh, err := parseSequenceHeader(pr, c.strict)
	if err != nil {
		return err
	}

	opIdx := c.operatingPoint
	if opIdx < 0 || opIdx >= len(sh.OperatingPoints) {
		opIdx = 0
	}
	c.operatingPointIdc = sh.OperatingPoints[opIdx].Idc
	c.maxSpatialID = 0
	if spatialMask := c.operatingPointIdc >> 8; spatialMask != 0 {
		c.maxSpatialID = highestSetBit(spatialMask)
	}

	if old := c.seqHdr.Get(); old == nil {
		c.frameHdr = nil
		c.newSequenceEvent = true
	} else if !old.structurallyEqual(sh) {
		c.frameHdr = nil
		c.hdrCLL = nil
		c.hdrMDCV = nil
		for i := range c.refs {
			c.refs[i].reset()
		}
		c.newSequenceEvent = true
	}

	ref := c.seqPool.Get()
	*ref.Get() = *sh
	c.seqHdr.Unref()
	c.seqHdr = ref
	return nil
}

func highestSetBit(x uint32) int {
	n := -1
	for x != 0 {
		x >>= 1
		n++
	}
	return n
}

func (c *DecoderContext) handleFrameHdrOBU(hdr ObuHeader, pr *bitreader.Reader, payload []byte) error {
	if c.seqHdr.Get() == nil {
		return fmt.Errorf("%w", ErrNoSequenceHeader)
	}

	p := &frameHeaderParser{r: pr, seq: c.seqHdr.Get(), refs: &c.refs, strict: c.strict}
	fh, err := p.parseFrameHeader(hdr.TemporalID, hdr.SpatialID)
	if err != nil {
		return err
	}
	c.resetTileGroups()
	c.frameHdr = fh

	if hdr.Type != ObuFrame {
		pr.TrailingBits(c.strict)
		if pr.Error() {
			c.frameHdr = nil
			return fmt.Errorf("%w: frame header trailing bits", ErrInvalidBitstream)
		}
	}

	if c.frameSizeLimit > 0 && fh.Width[1]*fh.Height > c.frameSizeLimit {
		c.frameHdr = nil
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrFrameSizeExceeded, fh.Width[1], fh.Height, c.frameSizeLimit)
	}

	if hdr.Type != ObuFrame {
		return nil
	}
	if fh.ShowExistingFrame {
		c.frameHdr = nil
		return fmt.Errorf("%w: OBU_FRAME must not signal show_existing_frame", ErrInvalidBitstream)
	}
	pr.ByteAlign()
	return c.parseTileGroupOBU(pr, payload[pr.Pos()/8:])
}

// pooledFrameHdr copies fh into a freshly pooled, refcounted instance for
// handoff to a reference slot or output picture. The header parsed
// in-place on DecoderContext is not itself pooled until this point.
func (c *DecoderContext) pooledFrameHdr(fh *FrameHeader) *pool.Ref[FrameHeader] {
	ref := c.fhdrPool.Get()
	*ref.Get() = *fh
	return ref
}

// postOBUHousekeeping implements the "after any OBU" step of the
// demultiplexer: show_existing_frame emission (with key-frame slot
// fan-out), or, once every tile group for the pending frame has
// arrived, decode-frame-type filtering followed by submission to the
// handoff controller and reference-slot refresh.
func (c *DecoderContext) postOBUHousekeeping() error {
	if c.seqHdr.Get() == nil || c.frameHdr == nil {
		return nil
	}
	fh := c.frameHdr

	if fh.ShowExistingFrame {
		return c.emitExistingFrame(fh)
	}

	if !c.tileGroupsComplete() {
		return nil
	}

	if c.frameTypeFiltered(fh) {
		frameHdrRef := c.pooledFrameHdr(fh)
		refreshSlotsHeadersOnly(&c.refs, fh.RefreshFrameFlags, frameHdrRef, c.seqHdr.Ref())
		c.frameHdr = nil
		c.resetTileGroups()
		return nil
	}

	out := &Output{
		Visible:    fh.ShowFrame,
		HDRCLL:     c.hdrCLL,
		HDRMDCV:    c.hdrMDCV,
		T35:        c.t35,
		InputStamp: c.pendingInputStamp,
	}
	c.hdrCLL, c.hdrMDCV, c.t35 = nil, nil, nil

	frameHdrRef := c.pooledFrameHdr(fh)
	seqHdrRef := c.seqHdr.Ref()
	pic := &Picture{FrameHdr: frameHdrRef.Ref(), SeqHdr: seqHdrRef.Ref()}
	out.Picture = pic

	decoder := c.decoder
	c.handoff.submit(out, func(done func(error)) {
		if decoder == nil {
			done(nil)
			return
		}
		decoder.SubmitFrame(c, done)
	})

	refreshSlots(&c.refs, fh.RefreshFrameFlags, frameHdrRef, seqHdrRef, pic, nil, nil, nil)

	c.frameHdr = nil
	c.resetTileGroups()
	return nil
}

// frameTypeFiltered mirrors the reference decoder's decode_frame_type
// gate: INTER/SWITCH frames are dropped above the reference tier, INTRA
// frames above the key tier, and either is dropped at the reference tier
// itself if the frame refreshes no slot (so it can never be referenced
// later anyway). KEY frames are never filtered.
func (c *DecoderContext) frameTypeFiltered(fh *FrameHeader) bool {
	switch fh.FrameType {
	case FrameInter, FrameSwitch:
		if c.decodeFrameType > DecodeReferenceFrames {
			return true
		}
	case FrameIntra:
		if c.decodeFrameType > DecodeKeyFrames {
			return true
		}
	default:
		return false
	}
	return c.decodeFrameType == DecodeReferenceFrames && fh.RefreshFrameFlags == 0
}

func (c *DecoderContext) emitExistingFrame(fh *FrameHeader) error {
	idx := fh.ExistingFrameIdx
	if idx < 0 || idx > 7 || !c.refs[idx].Populated() {
		c.frameHdr = nil
		return fmt.Errorf("%w: show_existing_frame slot %d", ErrUnknownReferenceSlot, idx)
	}
	slot := &c.refs[idx]

	switch slot.FrameHdr.FrameType {
	case FrameInter, FrameSwitch:
		if c.decodeFrameType > DecodeReferenceFrames {
			c.frameHdr = nil
			return nil
		}
	case FrameIntra:
		if c.decodeFrameType > DecodeKeyFrames {
			c.frameHdr = nil
			return nil
		}
	}

	out := &Output{
		Picture:    slot.Picture.ref(),
		Visible:    true,
		HDRCLL:     c.hdrCLL,
		HDRMDCV:    c.hdrMDCV,
		T35:        c.t35,
		InputStamp: c.pendingInputStamp,
	}
	c.hdrCLL, c.hdrMDCV, c.t35 = nil, nil, nil
	c.handoff.submit(out, func(done func(error)) { done(nil) })

	if slot.FrameHdr.FrameType == FrameKey {
		for i := range c.refs {
			if i == idx {
				continue
			}
			c.refs[i].copyFrom(slot)
		}
	}
	c.frameHdr = nil
	return nil
}

// ParseSequenceHeader scans data for the first OBU_SEQUENCE_HEADER and
// parses it without touching any DecoderContext state, for callers that
// only need stream properties (e.g. dimensions, bit depth) before
// committing to a full parse.
func ParseSequenceHeader(data []byte, strict bool) (*SequenceHeader, error) {
	pos := 0
	for pos < len(data) {
		hdr, payload, consumed, err := splitOneOBU(data[pos:], strict)
		if err != nil {
			return nil, err
		}
		if hdr.Type == ObuSeqHdr {
			return parseSequenceHeader(bitreader.New(payload), strict)
		}
		pos += consumed
	}
	return nil, ErrSeqHdrNotFound
}
