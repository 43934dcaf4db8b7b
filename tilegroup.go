package av1obu

import (
	"fmt"

	"github.com/av1obu/av1obu/internal/bitreader"
)

// TileGroupRecord is one accumulated tile_group_obu()'s header plus its
// raw tile data payload, following dav1d's struct Dav1dTileGroup.
type TileGroupRecord struct {
	Start int
	End   int
	Data  []byte
}

// parseTileGroupOBU reads a tile_group_obu()'s header (§5.11.1) and
// appends the resulting record. numTileData tracks the running count of
// individual tile indices collected so far (dav1d's c->n_tiles, not the
// count of OBU_TILE_GRP records itself); a group's start index must
// equal that running count, and start must not exceed end, or the whole
// accumulated set for this frame is discarded per §6.10.1.
func (c *DecoderContext) parseTileGroupOBU(r *bitreader.Reader, payload []byte) error {
	if c.frameHdr == nil {
		return fmt.Errorf("%w: tile group OBU before frame header", ErrInvalidBitstream)
	}
	tiling := c.frameHdr.Tiling
	nTiles := tiling.Cols * tiling.Rows

	start, end := 0, nTiles-1
	haveTilePos := false
	if nTiles > 1 {
		haveTilePos = r.Bit() != 0
	}
	if haveTilePos {
		nBits := tiling.Log2Cols + tiling.Log2Rows
		start = int(r.Bits(nBits))
		end = int(r.Bits(nBits))
	}
	r.ByteAlign()
	if r.Error() {
		return fmt.Errorf("%w: tile group header overrun", ErrInvalidBitstream)
	}

	if start > end || start != c.numTileData {
		c.resetTileGroups()
		return fmt.Errorf("%w: tile group start=%d end=%d, expected start=%d", ErrTileGroupMismatch, start, end, c.numTileData)
	}

	c.tileGroups = append(c.tileGroups, TileGroupRecord{Start: start, End: end, Data: payload})
	c.numTileData += 1 + end - start
	return nil
}

// tileGroupsComplete reports whether every tile named by the current
// frame header's tile grid has been collected.
func (c *DecoderContext) tileGroupsComplete() bool {
	if c.frameHdr == nil {
		return false
	}
	return c.numTileData == c.frameHdr.Tiling.Cols*c.frameHdr.Tiling.Rows
}

// resetTileGroups discards accumulated tile-group state: once a frame's
// tile data has been handed to the decode pipeline, or an out-of-order
// group forces the accumulated set to be thrown away.
func (c *DecoderContext) resetTileGroups() {
	c.tileGroups = nil
	c.numTileData = 0
}
