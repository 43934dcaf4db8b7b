package av1obu

import (
	"testing"

	"github.com/av1obu/av1obu/internal/pool"
)

func newTestFrameHdrPool() *pool.Pool[FrameHeader] {
	return pool.New[FrameHeader](func(h *FrameHeader) { *h = FrameHeader{} })
}

func newTestSeqHdrPool() *pool.Pool[SequenceHeader] {
	return pool.New[SequenceHeader](func(h *SequenceHeader) { *h = SequenceHeader{} })
}

func TestReferenceSlotUnpopulatedInitially(t *testing.T) {
	var s ReferenceSlot
	if s.Populated() {
		t.Fatal("zero-value slot must report unpopulated")
	}
}

func TestReferenceSlotUpdateThenReset(t *testing.T) {
	fp, sp := newTestFrameHdrPool(), newTestSeqHdrPool()
	fh := fp.Get()
	fh.Get().FrameOffset = 5
	sh := sp.Get()

	var s ReferenceSlot
	s.update(fh, sh, nil, nil, nil, nil)
	if !s.Populated() {
		t.Fatal("slot should be populated after update")
	}
	if s.FrameHdr.FrameOffset != 5 {
		t.Errorf("FrameHdr.FrameOffset = %d, want 5", s.FrameHdr.FrameOffset)
	}

	s.reset()
	if s.Populated() {
		t.Fatal("slot should be unpopulated after reset")
	}
}

func TestReferenceSlotCopyFromSharesHeaders(t *testing.T) {
	fp, sp := newTestFrameHdrPool(), newTestSeqHdrPool()
	fh := fp.Get()
	fh.Get().FrameOffset = 9
	sh := sp.Get()

	var src, dst ReferenceSlot
	src.update(fh, sh, nil, nil, nil, nil)
	dst.copyFrom(&src)

	if dst.FrameHdr != src.FrameHdr {
		t.Fatal("copyFrom must alias the same underlying frame header")
	}
	if dst.RefMVs != nil {
		t.Error("copyFrom must not carry over saved motion vectors")
	}

	// Dropping src's own reference must not invalidate dst's, since
	// copyFrom took its own Ref().
	src.reset()
	if dst.FrameHdr.FrameOffset != 9 {
		t.Errorf("dst.FrameHdr.FrameOffset = %d, want 9 after src.reset()", dst.FrameHdr.FrameOffset)
	}
	dst.reset()
}

func TestRefreshSlotsAppliesOnlySetBits(t *testing.T) {
	fp, sp := newTestFrameHdrPool(), newTestSeqHdrPool()
	fh := fp.Get()
	fh.Get().FrameOffset = 3
	sh := sp.Get()

	var refs [8]ReferenceSlot
	refreshSlots(&refs, 0b0000_0101, fh, sh, nil, nil, nil, nil)

	for i, want := range [8]bool{true, false, true, false, false, false, false, false} {
		if refs[i].Populated() != want {
			t.Errorf("refs[%d].Populated() = %v, want %v", i, refs[i].Populated(), want)
		}
	}
	if refs[0].FrameHdr.FrameOffset != 3 || refs[2].FrameHdr.FrameOffset != 3 {
		t.Fatal("refreshed slots must share the same frame header content")
	}
}

func TestRefreshSlotsHeadersOnlyDropsSideData(t *testing.T) {
	fp, sp := newTestFrameHdrPool(), newTestSeqHdrPool()
	fh, sh := fp.Get(), sp.Get()

	var refs [8]ReferenceSlot
	refs[1].update(fh.Ref(), sh.Ref(), &Picture{}, &CDFContext{}, &SegmentationMap{}, &MotionVectorBuffer{})

	refreshSlotsHeadersOnly(&refs, 1<<1, fh, sh)
	if refs[1].Picture != nil || refs[1].CDF != nil || refs[1].SegMap != nil || refs[1].RefMVs != nil {
		t.Fatal("updateHeadersOnly must drop picture and side buffers")
	}
	if !refs[1].Populated() {
		t.Fatal("slot should still be populated by the header pair")
	}
}
