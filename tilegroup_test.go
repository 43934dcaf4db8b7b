package av1obu

import (
	"testing"

	"github.com/av1obu/av1obu/internal/bitreader"
)

func frameHdrWithTiling(cols, rows int) *FrameHeader {
	log2 := func(n int) int {
		l := 0
		for (1 << l) < n {
			l++
		}
		return l
	}
	return &FrameHeader{Tiling: TileGrid{Cols: cols, Rows: rows, Log2Cols: log2(cols), Log2Rows: log2(rows)}}
}

func TestParseTileGroupSingleTileNoPosition(t *testing.T) {
	c := NewContext()
	c.frameHdr = frameHdrWithTiling(1, 1)

	data := []byte{0x00} // no tile position bit read since n_tiles == 1
	if err := c.parseTileGroupOBU(bitreader.New(data), []byte{0xaa}); err != nil {
		t.Fatalf("parseTileGroupOBU: %v", err)
	}
	if !c.tileGroupsComplete() {
		t.Fatal("single-tile frame should be complete after one group")
	}
	if len(c.tileGroups) != 1 || c.tileGroups[0].Start != 0 || c.tileGroups[0].End != 0 {
		t.Errorf("unexpected record: %+v", c.tileGroups)
	}
}

func TestParseTileGroupExplicitPositionMultiTile(t *testing.T) {
	c := NewContext()
	c.frameHdr = frameHdrWithTiling(2, 2) // 4 tiles, log2_cols=1, log2_rows=1, n_bits=2

	w := &bitWriter{}
	w.writeBit(true)  // have_tile_pos
	w.writeBits(0, 2) // start
	w.writeBits(1, 2) // end
	if err := c.parseTileGroupOBU(bitreader.New(w.bytes()), nil); err != nil {
		t.Fatalf("first group: %v", err)
	}
	if c.tileGroupsComplete() {
		t.Fatal("should not be complete after 2 of 4 tiles")
	}

	w2 := &bitWriter{}
	w2.writeBit(true)
	w2.writeBits(2, 2)
	w2.writeBits(3, 2)
	if err := c.parseTileGroupOBU(bitreader.New(w2.bytes()), nil); err != nil {
		t.Fatalf("second group: %v", err)
	}
	if !c.tileGroupsComplete() {
		t.Fatal("should be complete after all 4 tiles")
	}
}

func TestParseTileGroupOutOfOrderDiscardsAll(t *testing.T) {
	c := NewContext()
	c.frameHdr = frameHdrWithTiling(2, 2)

	w := &bitWriter{}
	w.writeBit(true)
	w.writeBits(0, 2)
	w.writeBits(0, 2)
	if err := c.parseTileGroupOBU(bitreader.New(w.bytes()), nil); err != nil {
		t.Fatalf("first group: %v", err)
	}

	// Skips tile index 1: start should have been 1, not 2.
	w2 := &bitWriter{}
	w2.writeBit(true)
	w2.writeBits(2, 2)
	w2.writeBits(3, 2)
	if err := c.parseTileGroupOBU(bitreader.New(w2.bytes()), nil); err == nil {
		t.Fatal("expected ErrTileGroupMismatch for out-of-order start index")
	}
	if len(c.tileGroups) != 0 || c.numTileData != 0 {
		t.Fatal("mismatch must discard all accumulated tile groups")
	}
}

func TestParseTileGroupBeforeFrameHeaderFails(t *testing.T) {
	c := NewContext()
	if err := c.parseTileGroupOBU(bitreader.New([]byte{0}), nil); err == nil {
		t.Fatal("expected error for tile group OBU with no active frame header")
	}
}
