package av1obu

import (
	"errors"
	"testing"

	"github.com/av1obu/av1obu/internal/bitreader"
)

func leb128Encode(v int) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			return out
		}
	}
}

func buildOBU(typ ObuType, hasExtension bool, temporalID, spatialID int, payload []byte) []byte {
	w := &bitWriter{}
	w.writeBit(false) // forbidden
	w.writeBits(uint32(typ), 4)
	w.writeBit(hasExtension)
	w.writeBit(true) // has_size_field
	w.writeBit(false)
	if hasExtension {
		w.writeBits(uint32(temporalID), 3)
		w.writeBits(uint32(spatialID), 2)
		w.writeBits(0, 3)
	}
	out := append(w.bytes(), leb128Encode(len(payload))...)
	return append(out, payload...)
}

func TestParseObuHeaderNoExtension(t *testing.T) {
	data := buildOBU(ObuSeqHdr, false, 0, 0, nil)
	r := bitreader.New(data)
	hdr, err := parseObuHeader(r, false)
	if err != nil {
		t.Fatalf("parseObuHeader: %v", err)
	}
	if hdr.Type != ObuSeqHdr || hdr.HasExtension || !hdr.HasSizeField {
		t.Errorf("unexpected header: %+v", hdr)
	}
}

func TestParseObuHeaderWithExtension(t *testing.T) {
	data := buildOBU(ObuFrameHdr, true, 5, 2, nil)
	r := bitreader.New(data)
	hdr, err := parseObuHeader(r, false)
	if err != nil {
		t.Fatalf("parseObuHeader: %v", err)
	}
	if hdr.TemporalID != 5 || hdr.SpatialID != 2 {
		t.Errorf("temporal/spatial id = %d/%d, want 5/2", hdr.TemporalID, hdr.SpatialID)
	}
}

func TestParseObuHeaderForbiddenBitStrictFails(t *testing.T) {
	data := []byte{0b1_0001_0_0_0}
	if _, err := parseObuHeader(bitreader.New(data), true); err == nil {
		t.Fatal("expected error for forbidden bit under strict compliance")
	}
	if _, err := parseObuHeader(bitreader.New(data), false); err != nil {
		t.Fatalf("non-strict mode should tolerate forbidden bit: %v", err)
	}
}

func TestSplitOneOBUExplicitSize(t *testing.T) {
	payload := []byte{0xaa, 0xbb, 0xcc}
	data := buildOBU(ObuMetadata, false, 0, 0, payload)
	// Append trailing bytes that must not be consumed as part of this OBU.
	data = append(data, 0xff, 0xff)

	hdr, got, consumed, err := splitOneOBU(data, false)
	if err != nil {
		t.Fatalf("splitOneOBU: %v", err)
	}
	if hdr.Type != ObuMetadata {
		t.Errorf("type = %v, want ObuMetadata", hdr.Type)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %x, want %x", got, payload)
	}
	if consumed != len(data)-2 {
		t.Errorf("consumed = %d, want %d", consumed, len(data)-2)
	}
}

func TestLayerFilteredDropsOtherLayers(t *testing.T) {
	c := NewContext()
	c.operatingPointIdc = 0b0000_0010_0000_0010 // temporal bit 1, spatial bit 1

	hdrIn := ObuHeader{Type: ObuFrameHdr, HasExtension: true, TemporalID: 1, SpatialID: 1}
	if c.layerFiltered(hdrIn) {
		t.Error("frame in the selected layer must not be filtered")
	}

	hdrOut := ObuHeader{Type: ObuFrameHdr, HasExtension: true, TemporalID: 0, SpatialID: 1}
	if !c.layerFiltered(hdrOut) {
		t.Error("frame outside the selected temporal layer must be filtered")
	}

	seqHdr := ObuHeader{Type: ObuSeqHdr, HasExtension: true, TemporalID: 0, SpatialID: 0}
	if c.layerFiltered(seqHdr) {
		t.Error("sequence headers must never be layer-filtered")
	}
}

func TestParseSequenceHeaderOBUEndToEnd(t *testing.T) {
	seqPayload := buildReducedStillPictureSeqHdr()
	data := buildOBU(ObuSeqHdr, false, 0, 0, seqPayload)
	// A trailing OBU that ParseSequenceHeader must not need to understand.
	data = append(data, buildOBU(ObuPadding, false, 0, 0, []byte{0, 0})...)

	sh, err := ParseSequenceHeader(data, false)
	if err != nil {
		t.Fatalf("ParseSequenceHeader: %v", err)
	}
	if sh.MaxWidth != 320 || sh.MaxHeight != 180 {
		t.Errorf("dimensions = %dx%d, want 320x180", sh.MaxWidth, sh.MaxHeight)
	}
}

func TestParseSequenceHeaderNotFound(t *testing.T) {
	data := buildOBU(ObuPadding, false, 0, 0, []byte{0, 0})
	if _, err := ParseSequenceHeader(data, false); !errors.Is(err, ErrSeqHdrNotFound) {
		t.Fatalf("err = %v, want ErrSeqHdrNotFound", err)
	}
}

func TestPostOBUHousekeepingEmitsShowExistingKeyFrameFanOut(t *testing.T) {
	c := NewContext()
	sh := c.seqPool.Get()
	c.seqHdr = sh

	keyHdr := c.fhdrPool.Get()
	keyHdr.Get().FrameType = FrameKey
	c.refs[3].update(keyHdr, c.seqPool.Get(), &Picture{Data: "slot3"}, nil, nil, nil)

	c.frameHdr = &FrameHeader{ShowExistingFrame: true, ExistingFrameIdx: 3}
	if err := c.postOBUHousekeeping(); err != nil {
		t.Fatalf("postOBUHousekeeping: %v", err)
	}

	out := <-c.handoff.output
	if !out.Visible {
		t.Error("show_existing_frame output must be marked visible")
	}
	if out.Picture == nil || out.Picture.Data != "slot3" {
		t.Errorf("unexpected output picture: %+v", out.Picture)
	}
	for i := 0; i < 8; i++ {
		if i == 3 {
			continue
		}
		if !c.refs[i].Populated() || c.refs[i].FrameHdr.FrameType != FrameKey {
			t.Errorf("slot %d not fanned out from the key frame", i)
		}
	}
	if c.frameHdr != nil {
		t.Error("frameHdr must be cleared after emitting show_existing_frame")
	}
}

type stubDecoder struct{ submitted int }

func (s *stubDecoder) SubmitFrame(ctx *DecoderContext, done func(error)) {
	s.submitted++
	done(nil)
}

func TestPostOBUHousekeepingSubmitsOnTileGroupsComplete(t *testing.T) {
	dec := &stubDecoder{}
	c := NewContext(WithDecoder(dec))
	c.seqHdr = c.seqPool.Get()

	c.frameHdr = &FrameHeader{
		FrameType:         FrameKey,
		ShowFrame:         true,
		RefreshFrameFlags: 0b0000_0001,
		Tiling:            TileGrid{Cols: 1, Rows: 1},
	}
	c.tileGroups = []TileGroupRecord{{Start: 0, End: 0, Data: []byte{1}}}
	c.numTileData = 1

	if err := c.postOBUHousekeeping(); err != nil {
		t.Fatalf("postOBUHousekeeping: %v", err)
	}
	if dec.submitted != 1 {
		t.Fatalf("decoder.SubmitFrame called %d times, want 1", dec.submitted)
	}
	<-c.handoff.output
	if !c.refs[0].Populated() {
		t.Error("refresh_frame_flags bit 0 should have populated slot 0")
	}
	if c.refs[1].Populated() {
		t.Error("refresh_frame_flags bit 1 was not set, slot 1 must remain empty")
	}
	if c.frameHdr != nil || len(c.tileGroups) != 0 {
		t.Error("pending frame state must be cleared after submission")
	}
}

func TestPostOBUHousekeepingFiltersDroppedInterFrameHeadersOnly(t *testing.T) {
	c := NewContext()
	c.seqHdr = c.seqPool.Get()
	c.decodeFrameType = DecodeKeyFrames

	c.frameHdr = &FrameHeader{
		FrameType:         FrameInter,
		RefreshFrameFlags: 0b0000_0010,
		Tiling:            TileGrid{Cols: 1, Rows: 1},
	}
	c.tileGroups = []TileGroupRecord{{Start: 0, End: 0}}
	c.numTileData = 1

	if err := c.postOBUHousekeeping(); err != nil {
		t.Fatalf("postOBUHousekeeping: %v", err)
	}
	select {
	case out := <-c.handoff.output:
		t.Fatalf("filtered inter frame must not be emitted, got %+v", out)
	default:
	}
	if !c.refs[1].Populated() {
		t.Error("filtered frame must still refresh reference headers")
	}
	if c.refs[1].Picture != nil {
		t.Error("headers-only refresh must not carry picture data")
	}
}
