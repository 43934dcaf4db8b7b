package av1obu

import "github.com/av1obu/av1obu/internal/pool"

// ReferenceSlot is one of the eight reference-frame buffer slots (dav1d's
// c->refs[i]): a picture handle plus the side state that rides alongside
// it across frames — CDF tables, a segmentation map, saved motion
// vectors. A slot is populated once it holds a frame header; parsing
// rejects any reference to a slot that isn't (ErrUnknownReferenceSlot).
type ReferenceSlot struct {
	// FrameHdr and SeqHdr are borrowed pointers into the pooled headers
	// kept alive by frameHdrRef/seqHdrRef below. Frame-header parsing
	// reads through these directly, mirroring c->refs[i].p.p.frame_hdr.
	FrameHdr *FrameHeader
	SeqHdr   *SequenceHeader

	Picture *Picture
	CDF     *CDFContext
	SegMap  *SegmentationMap
	RefMVs  *MotionVectorBuffer

	// Showable mirrors dav1d's ref->p.showable: update records the
	// installed header's showable_frame and copyFrom clears it. The
	// show_existing_frame path does not check it.
	Showable bool

	frameHdrRef *pool.Ref[FrameHeader]
	seqHdrRef   *pool.Ref[SequenceHeader]
}

// Populated reports whether the slot holds a frame header.
func (s *ReferenceSlot) Populated() bool {
	return s.FrameHdr != nil
}

// reset drops everything the slot owns, releasing pooled references.
func (s *ReferenceSlot) reset() {
	s.frameHdrRef.Unref()
	s.seqHdrRef.Unref()
	*s = ReferenceSlot{}
}

// update installs a freshly finalized frame as the slot's content. It
// takes ownership of frameHdrRef and seqHdrRef; the caller must Ref()
// them first if it needs to keep using them afterward.
func (s *ReferenceSlot) update(frameHdrRef *pool.Ref[FrameHeader], seqHdrRef *pool.Ref[SequenceHeader], pic *Picture, cdf *CDFContext, segMap *SegmentationMap, refMVs *MotionVectorBuffer) {
	s.frameHdrRef.Unref()
	s.seqHdrRef.Unref()
	s.frameHdrRef = frameHdrRef
	s.seqHdrRef = seqHdrRef
	s.FrameHdr = frameHdrRef.Get()
	s.SeqHdr = seqHdrRef.Get()
	s.Picture = pic
	s.CDF = cdf
	s.SegMap = segMap
	s.RefMVs = refMVs
	s.Showable = s.FrameHdr.ShowableFrame
}

// updateHeadersOnly installs the header pair without picture or side
// data, discarding whatever the slot held before. This is the fan-out a
// dropped inter/intra frame still performs: later frames may inherit
// header fields (primary_ref_frame, segmentation, loop filter deltas,
// global motion) through this slot even though it was never decoded to
// pixels.
func (s *ReferenceSlot) updateHeadersOnly(frameHdrRef *pool.Ref[FrameHeader], seqHdrRef *pool.Ref[SequenceHeader]) {
	s.frameHdrRef.Unref()
	s.seqHdrRef.Unref()
	s.frameHdrRef = frameHdrRef
	s.seqHdrRef = seqHdrRef
	s.FrameHdr = frameHdrRef.Get()
	s.SeqHdr = seqHdrRef.Get()
	s.Picture = nil
	s.CDF = nil
	s.SegMap = nil
	s.RefMVs = nil
}

// copyFrom fans the slot out to alias src, sharing (refcounting) its
// pooled headers and picture rather than deep-copying them. This is the
// show_existing_frame-of-a-key-frame broadcast: every other slot is made
// to point at the slot the key frame was shown from. Saved motion
// vectors are dropped rather than shared, matching the reference
// decoder's own refmvs handling in that path.
func (s *ReferenceSlot) copyFrom(src *ReferenceSlot) {
	s.frameHdrRef.Unref()
	s.seqHdrRef.Unref()
	s.frameHdrRef = src.frameHdrRef.Ref()
	s.seqHdrRef = src.seqHdrRef.Ref()
	s.FrameHdr = src.FrameHdr
	s.SeqHdr = src.SeqHdr
	s.Picture = src.Picture.ref()
	s.CDF = src.CDF
	s.SegMap = src.SegMap
	s.RefMVs = nil
	s.Showable = false
}

// refreshSlots applies refresh_frame_flags: every slot whose bit is set
// is updated to the given content. It takes its own reference to
// frameHdrRef and seqHdrRef for each slot it writes, then releases the one
// reference to each that the caller handed over.
func refreshSlots(refs *[8]ReferenceSlot, flags uint32, frameHdrRef *pool.Ref[FrameHeader], seqHdrRef *pool.Ref[SequenceHeader], pic *Picture, cdf *CDFContext, segMap *SegmentationMap, refMVs *MotionVectorBuffer) {
	for i := 0; i < 8; i++ {
		if flags&(1<<uint(i)) == 0 {
			continue
		}
		refs[i].update(frameHdrRef.Ref(), seqHdrRef.Ref(), pic.ref(), cdf, segMap, refMVs)
	}
	frameHdrRef.Unref()
	seqHdrRef.Unref()
}

// refreshSlotsHeadersOnly is refreshSlots' counterpart for frames whose
// tile data is never submitted for decode.
func refreshSlotsHeadersOnly(refs *[8]ReferenceSlot, flags uint32, frameHdrRef *pool.Ref[FrameHeader], seqHdrRef *pool.Ref[SequenceHeader]) {
	for i := 0; i < 8; i++ {
		if flags&(1<<uint(i)) == 0 {
			continue
		}
		refs[i].updateHeadersOnly(frameHdrRef.Ref(), seqHdrRef.Ref())
	}
	frameHdrRef.Unref()
	seqHdrRef.Unref()
}
