package av1obu

import (
	"fmt"

	"github.com/av1obu/av1obu/internal/bitreader"
)

// FrameType enumerates the four AV1 frame types (§6.8.2).
type FrameType int

const (
	FrameKey FrameType = iota
	FrameInter
	FrameIntra
	FrameSwitch
)

func (t FrameType) isKeyOrIntra() bool { return t == FrameKey || t == FrameIntra }
func (t FrameType) isInterOrSwitch() bool { return t == FrameInter || t == FrameSwitch }

// PrimaryRefNone is the sentinel value of FrameHeader.PrimaryRefFrame
// meaning "no primary reference frame" (§6.8.2).
const PrimaryRefNone = 7

// SubpelFilterMode mirrors AV1's interpolation_filter values plus the
// switchable sentinel.
type SubpelFilterMode int

const (
	FilterEightTap SubpelFilterMode = iota
	FilterEightTapSmooth
	FilterEightTapSharp
	FilterBilinear
	FilterSwitchable
)

// TxfmMode selects between per-block-largest and switchable transform
// size signaling.
type TxfmMode int

const (
	TxLargest TxfmMode = iota
	TxSwitchable
)

// WarpType is the global motion model class for one reference (§5.9.24).
type WarpType int

const (
	WarpIdentity WarpType = iota
	WarpTranslation
	WarpRotZoom
	WarpAffine
)

// RestorationType is the loop-restoration filter selected per plane.
type RestorationType int

const (
	RestoreNone RestorationType = iota
	RestoreWiener
	RestoreSgrproj
	RestoreSwitchable
)

// SuperRes describes the optional super-resolution upscaling parameters.
type SuperRes struct {
	Enabled              bool
	WidthScaleDenominator int
}

// TileGrid is the derived tile layout (§5.9.15).
type TileGrid struct {
	Uniform    bool
	Cols, Rows int
	Log2Cols, Log2Rows int
	MinLog2Cols, MaxLog2Cols int
	MinLog2Rows, MaxLog2Rows int
	ColStartSB []int // length Cols+1, last entry is sbw
	RowStartSB []int // length Rows+1, last entry is sbh
	ContextUpdateTileID int
	TileSizeBytes        int
}

// Quantizer holds the frame-level and per-plane quantizer deltas.
type Quantizer struct {
	YAC                          uint32
	YDCDelta, UDCDelta, UACDelta, VDCDelta, VACDelta int32
	UsingQMatrix                 bool
	QMY, QMU, QMV                uint32
}

// DeltaQParams and DeltaLFParams describe the optional per-superblock
// quantizer/loop-filter delta signaling.
type DeltaQParams struct {
	Present bool
	ResLog2 uint32
}

type DeltaLFParams struct {
	Present bool
	ResLog2 uint32
	Multi   bool
}

// SegmentationFeatures is one segment's feature set (§5.9.14).
type SegmentationFeatures struct {
	DeltaQ                     int32
	DeltaLFYV, DeltaLFYH, DeltaLFU, DeltaLFV int32
	Ref                        int32 // -1 if unset
	Skip                       bool
	GlobalMV                   bool
}

// Segmentation is the frame-level segmentation state.
type Segmentation struct {
	Enabled          bool
	UpdateMap        bool
	Temporal         bool
	UpdateData       bool
	Features         [8]SegmentationFeatures
	LastActiveSegID  int
	Preskip          bool
	QIndex           [8]uint8
	Lossless         [8]bool
}

// LoopfilterModeRefDeltas is the mode/reference adjustment table used by
// the deblocking filter, inheritable across frames via primary_ref_frame.
type LoopfilterModeRefDeltas struct {
	RefDelta  [8]int32
	ModeDelta [2]int32
}

var defaultModeRefDeltas = LoopfilterModeRefDeltas{
	RefDelta:  [8]int32{1, 0, 0, 0, -1, 0, -1, -1},
	ModeDelta: [2]int32{0, 0},
}

// Loopfilter is the frame-level deblocking filter configuration.
type Loopfilter struct {
	LevelY                [2]uint32
	LevelU, LevelV         uint32
	Sharpness              uint32
	ModeRefDeltaEnabled    bool
	ModeRefDeltaUpdate     bool
	ModeRefDeltas          LoopfilterModeRefDeltas
}

// CDEF is the constrained directional enhancement filter configuration.
type CDEF struct {
	Damping     uint32
	NBits       uint32
	YStrength   []uint32
	UVStrength  []uint32
}

// Restoration is the per-plane loop-restoration configuration.
type Restoration struct {
	Type     [3]RestorationType
	UnitSize [2]int // log2 unit size: [0]=luma, [1]=chroma
}

// GlobalMotion is one reference's warp model.
type GlobalMotion struct {
	Type   WarpType
	Matrix [6]int32
}

var identityGlobalMotion = GlobalMotion{Type: WarpIdentity, Matrix: [6]int32{0, 0, 1 << 16, 0, 0, 1 << 16}}

// FilmGrainParams is the per-frame film grain synthesis descriptor
// (§5.9.30). ARCoeffsY/UV are sized per ar_coeff_lag at parse time.
type FilmGrainParams struct {
	Present bool
	Seed    uint32
	Update  bool

	NumYPoints int
	YPoints    [][2]uint8 // {value, scaling}

	ChromaScalingFromLuma bool
	NumUVPoints           [2]int
	UVPoints              [2][][2]uint8

	ScalingShift uint32
	ARCoeffLag   uint32
	ARCoeffsY    []int32
	ARCoeffsUV   [2][]int32
	ARCoeffShift uint32
	GrainScaleShift uint32

	UVMult      [2]int32
	UVLumaMult  [2]int32
	UVOffset    [2]int32

	OverlapFlag             bool
	ClipToRestrictedRange   bool
}

// FrameHeader is the mutable-during-parse, finalized-before-handoff
// descriptor produced by an OBU_FRAME_HEADER, OBU_FRAME or
// OBU_REDUNDANT_FRAME_HEADER (§5.9).
type FrameHeader struct {
	TemporalID, SpatialID int

	ShowExistingFrame bool
	ExistingFrameIdx  int
	FramePresentationDelay uint32

	FrameType    FrameType
	ShowFrame    bool
	ShowableFrame bool

	ErrorResilientMode      bool
	DisableCDFUpdate        bool
	AllowScreenContentTools bool
	ForceIntegerMV          bool

	FrameID             uint32
	FrameSizeOverride   bool
	FrameOffset         uint32
	PrimaryRefFrame     int

	BufferRemovalTimePresent bool
	BufferRemovalTime        []uint32 // indexed like seq hdr operating points

	RefreshFrameFlags uint32
	RefIdx            [7]int
	FrameRefShortSignaling bool

	Width       [2]int // [0]=post-superres, [1]=pre-superres (upscaled target)
	Height      int
	SuperRes    SuperRes
	HaveRenderSize bool
	RenderWidth, RenderHeight int

	AllowIntrabc bool

	HP                    bool
	SubpelFilterMode      SubpelFilterMode
	SwitchableMotionMode  bool
	UseRefFrameMVs        bool

	RefreshContext bool

	Tiling TileGrid

	Quant         Quantizer
	DeltaQ        DeltaQParams
	DeltaLF       DeltaLFParams
	Segmentation  Segmentation
	AllLossless   bool

	Loopfilter  Loopfilter
	CDEF        CDEF
	Restoration Restoration

	TxfmMode            TxfmMode
	SwitchableCompRefs  bool
	SkipModeAllowed     bool
	SkipModeEnabled     bool
	SkipModeRefs        [2]int

	WarpMotion    bool
	ReducedTxtpSet bool

	GMV [7]GlobalMotion

	FilmGrain FilmGrainParams
}

// getPOCDiff computes the signed order-hint difference wrapped to
// n_bits-signed range, per AV1's get_relative_dist (§7.20).
func getPOCDiff(nBits uint32, a, b uint32) int32 {
	if nBits == 0 {
		return 0
	}
	diff := int32(a) - int32(b)
	m := int32(1) << (nBits - 1)
	diff = (diff & (2*m - 1))
	if diff&m != 0 {
		diff -= 2 * m
	}
	return diff
}

func tileLog2(sz, tgt int) int {
	k := 0
	for (sz << uint(k)) < tgt {
		k++
	}
	return k
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampU8(v int32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// frameHeaderParser carries the collaborator state parse_frame_hdr needs
// beyond the bit reader: the active sequence header, the reference slot
// table for primary-ref inheritance and short-signaling POC lookups, and
// the strict-compliance flag.
type frameHeaderParser struct {
	r      *bitreader.Reader
	seq    *SequenceHeader
	refs   *[8]ReferenceSlot
	strict bool
}

// parseFrameHeader implements AV1 §5.9's uncompressed_header() syntax
// following dav1d's parse_frame_hdr field ordering exactly, including its
// non-obvious tie-break and inheritance rules.
func (p *frameHeaderParser) parseFrameHeader(temporalID, spatialID int) (*FrameHeader, error) {
	r := p.r
	seq := p.seq
	hdr := &FrameHeader{TemporalID: temporalID, SpatialID: spatialID, PrimaryRefFrame: PrimaryRefNone}
	for i := range hdr.GMV {
		hdr.GMV[i] = identityGlobalMotion
	}
	for i := range hdr.Segmentation.Features {
		hdr.Segmentation.Features[i].Ref = -1
	}

	if !seq.ReducedStillPictureHeader {
		hdr.ShowExistingFrame = r.Bit() != 0
	}
	if hdr.ShowExistingFrame {
		hdr.ExistingFrameIdx = int(r.Bits(3))
		if seq.DecoderModelInfoPresent && !seq.EqualPictureInterval {
			hdr.FramePresentationDelay = r.Bits(int(seq.DecoderModelInfo.FramePresentationDelayLength))
		}
		if seq.FrameIDNumbersPresent {
			hdr.FrameID = r.Bits(int(seq.FrameIDNBits))
			ref := p.refs[hdr.ExistingFrameIdx].FrameHdr
			if ref == nil || ref.FrameID != hdr.FrameID {
				return nil, fmt.Errorf("%w: show_existing_frame id mismatch against slot %d", ErrInvalidBitstream, hdr.ExistingFrameIdx)
			}
		}
		return hdr, nil
	}

	if seq.ReducedStillPictureHeader {
		hdr.FrameType = FrameKey
		hdr.ShowFrame = true
	} else {
		hdr.FrameType = FrameType(r.Bits(2))
		hdr.ShowFrame = r.Bit() != 0
	}
	if hdr.ShowFrame {
		if seq.DecoderModelInfoPresent && !seq.EqualPictureInterval {
			hdr.FramePresentationDelay = r.Bits(int(seq.DecoderModelInfo.FramePresentationDelayLength))
		}
		hdr.ShowableFrame = hdr.FrameType != FrameKey
	} else {
		hdr.ShowableFrame = r.Bit() != 0
	}
	hdr.ErrorResilientMode = (hdr.FrameType == FrameKey && hdr.ShowFrame) ||
		hdr.FrameType == FrameSwitch || seq.ReducedStillPictureHeader || r.Bit() != 0

	hdr.DisableCDFUpdate = r.Bit() != 0
	if seq.ScreenContentTools == ToolAdaptive {
		hdr.AllowScreenContentTools = r.Bit() != 0
	} else {
		hdr.AllowScreenContentTools = seq.ScreenContentTools == ToolOn
	}
	if hdr.AllowScreenContentTools {
		if seq.ForceIntegerMv == ToolAdaptive {
			hdr.ForceIntegerMV = r.Bit() != 0
		} else {
			hdr.ForceIntegerMV = seq.ForceIntegerMv == ToolOn
		}
	}
	if hdr.FrameType.isKeyOrIntra() {
		hdr.ForceIntegerMV = true
	}

	if seq.FrameIDNumbersPresent {
		hdr.FrameID = r.Bits(int(seq.FrameIDNBits))
	}

	if !seq.ReducedStillPictureHeader {
		if hdr.FrameType == FrameSwitch {
			hdr.FrameSizeOverride = true
		} else {
			hdr.FrameSizeOverride = r.Bit() != 0
		}
	}
	if seq.OrderHint {
		hdr.FrameOffset = r.Bits(int(seq.OrderHintNBits))
	}
	if !hdr.ErrorResilientMode && hdr.FrameType.isInterOrSwitch() {
		hdr.PrimaryRefFrame = int(r.Bits(3))
	}

	if seq.DecoderModelInfoPresent {
		hdr.BufferRemovalTimePresent = r.Bit() != 0
		if hdr.BufferRemovalTimePresent {
			hdr.BufferRemovalTime = make([]uint32, len(seq.OperatingPoints))
			for i, seqop := range seq.OperatingPoints {
				if !seqop.DecoderModelParamPresent {
					continue
				}
				inTemporal := (seqop.Idc>>uint(temporalID))&1 != 0
				inSpatial := (seqop.Idc>>uint(spatialID+8))&1 != 0
				if seqop.Idc == 0 || (inTemporal && inSpatial) {
					hdr.BufferRemovalTime[i] = r.Bits(int(seq.DecoderModelInfo.BufferRemovalDelayLength))
				}
			}
		}
	}

	if hdr.FrameType.isKeyOrIntra() {
		if hdr.FrameType == FrameKey && hdr.ShowFrame {
			hdr.RefreshFrameFlags = 0xff
		} else {
			hdr.RefreshFrameFlags = r.Bits(8)
		}
		if hdr.RefreshFrameFlags != 0xff && hdr.ErrorResilientMode && seq.OrderHint {
			for i := 0; i < 8; i++ {
				r.Bits(int(seq.OrderHintNBits))
			}
		}
		if p.strict && hdr.FrameType == FrameIntra && hdr.RefreshFrameFlags == 0xff {
			return nil, fmt.Errorf("%w: INTRA frame must not refresh all 8 slots in strict mode", ErrInvalidBitstream)
		}
		if err := p.readFrameSize(hdr, false); err != nil {
			return nil, err
		}
		if hdr.AllowScreenContentTools && !hdr.SuperRes.Enabled {
			hdr.AllowIntrabc = r.Bit() != 0
		}
	} else {
		if hdr.FrameType == FrameSwitch {
			hdr.RefreshFrameFlags = 0xff
		} else {
			hdr.RefreshFrameFlags = r.Bits(8)
		}
		if hdr.ErrorResilientMode && seq.OrderHint {
			for i := 0; i < 8; i++ {
				r.Bits(int(seq.OrderHintNBits))
			}
		}
		if seq.OrderHint {
			hdr.FrameRefShortSignaling = r.Bit() != 0
			if hdr.FrameRefShortSignaling {
				if err := p.shortSignalRefs(hdr); err != nil {
					return nil, err
				}
			}
		}
		for i := 0; i < 7; i++ {
			if !hdr.FrameRefShortSignaling {
				hdr.RefIdx[i] = int(r.Bits(3))
			}
			if seq.FrameIDNumbersPresent {
				deltaRefFrameID := r.Bits(int(seq.DeltaFrameIDNBits)) + 1
				refFrameID := (hdr.FrameID + (uint32(1) << seq.FrameIDNBits) - deltaRefFrameID) & ((uint32(1) << seq.FrameIDNBits) - 1)
				ref := p.refs[hdr.RefIdx[i]].FrameHdr
				if ref == nil || ref.FrameID != refFrameID {
					return nil, fmt.Errorf("%w: ref frame id mismatch at refidx[%d]", ErrInvalidBitstream, i)
				}
			}
		}
		useRef := !hdr.ErrorResilientMode && hdr.FrameSizeOverride
		if err := p.readFrameSize(hdr, useRef); err != nil {
			return nil, err
		}
		if !hdr.ForceIntegerMV {
			hdr.HP = r.Bit() != 0
		}
		if r.Bit() != 0 {
			hdr.SubpelFilterMode = FilterSwitchable
		} else {
			hdr.SubpelFilterMode = SubpelFilterMode(r.Bits(2))
		}
		hdr.SwitchableMotionMode = r.Bit() != 0
		if !hdr.ErrorResilientMode && seq.RefFrameMvs && seq.OrderHint && hdr.FrameType.isInterOrSwitch() {
			hdr.UseRefFrameMVs = r.Bit() != 0
		}
	}

	if !seq.ReducedStillPictureHeader && !hdr.DisableCDFUpdate {
		hdr.RefreshContext = r.Bit() == 0
	}

	if err := p.parseTiling(hdr); err != nil {
		return nil, err
	}

	p.parseQuant(hdr)
	if err := p.parseSegmentation(hdr); err != nil {
		return nil, err
	}
	p.deriveLossless(hdr)

	if hdr.AllLossless || hdr.AllowIntrabc {
		hdr.Loopfilter.ModeRefDeltaEnabled = true
		hdr.Loopfilter.ModeRefDeltaUpdate = true
		hdr.Loopfilter.ModeRefDeltas = defaultModeRefDeltas
	} else {
		hdr.Loopfilter.LevelY[0] = r.Bits(6)
		hdr.Loopfilter.LevelY[1] = r.Bits(6)
		if !seq.Color.Monochrome && (hdr.Loopfilter.LevelY[0] != 0 || hdr.Loopfilter.LevelY[1] != 0) {
			hdr.Loopfilter.LevelU = r.Bits(6)
			hdr.Loopfilter.LevelV = r.Bits(6)
		}
		hdr.Loopfilter.Sharpness = r.Bits(3)
		if hdr.PrimaryRefFrame == PrimaryRefNone {
			hdr.Loopfilter.ModeRefDeltas = defaultModeRefDeltas
		} else {
			ref := p.refs[hdr.RefIdx[hdr.PrimaryRefFrame]].FrameHdr
			if ref == nil {
				return nil, fmt.Errorf("%w: primary ref slot has no frame header", ErrUnknownReferenceSlot)
			}
			hdr.Loopfilter.ModeRefDeltas = ref.Loopfilter.ModeRefDeltas
		}
		hdr.Loopfilter.ModeRefDeltaEnabled = r.Bit() != 0
		if hdr.Loopfilter.ModeRefDeltaEnabled {
			hdr.Loopfilter.ModeRefDeltaUpdate = r.Bit() != 0
			if hdr.Loopfilter.ModeRefDeltaUpdate {
				for i := 0; i < 8; i++ {
					if r.Bit() != 0 {
						hdr.Loopfilter.ModeRefDeltas.RefDelta[i] = r.SBits(7)
					}
				}
				for i := 0; i < 2; i++ {
					if r.Bit() != 0 {
						hdr.Loopfilter.ModeRefDeltas.ModeDelta[i] = r.SBits(7)
					}
				}
			}
		}
	}

	if !hdr.AllLossless && seq.CDEF && !hdr.AllowIntrabc {
		hdr.CDEF.Damping = r.Bits(2) + 3
		hdr.CDEF.NBits = r.Bits(2)
		n := 1 << hdr.CDEF.NBits
		hdr.CDEF.YStrength = make([]uint32, n)
		hdr.CDEF.UVStrength = make([]uint32, n)
		for i := 0; i < n; i++ {
			hdr.CDEF.YStrength[i] = r.Bits(6)
			if !seq.Color.Monochrome {
				hdr.CDEF.UVStrength[i] = r.Bits(6)
			}
		}
	}

	if (!hdr.AllLossless || hdr.SuperRes.Enabled) && seq.Restoration && !hdr.AllowIntrabc {
		hdr.Restoration.Type[0] = RestorationType(r.Bits(2))
		if !seq.Color.Monochrome {
			hdr.Restoration.Type[1] = RestorationType(r.Bits(2))
			hdr.Restoration.Type[2] = RestorationType(r.Bits(2))
		}
		if hdr.Restoration.Type[0] != RestoreNone || hdr.Restoration.Type[1] != RestoreNone || hdr.Restoration.Type[2] != RestoreNone {
			unitSize0 := 6
			if seq.SB128 {
				unitSize0 = 7
			}
			if r.Bit() != 0 {
				unitSize0++
				if !seq.SB128 {
					unitSize0 += int(r.Bits(1))
				}
			}
			hdr.Restoration.UnitSize[0] = unitSize0
			hdr.Restoration.UnitSize[1] = unitSize0
			if (hdr.Restoration.Type[1] != RestoreNone || hdr.Restoration.Type[2] != RestoreNone) &&
				seq.Color.SubsamplingX == 1 && seq.Color.SubsamplingY == 1 {
				hdr.Restoration.UnitSize[1] -= int(r.Bits(1))
			}
		} else {
			hdr.Restoration.UnitSize[0] = 8
		}
	}

	if !hdr.AllLossless {
		if r.Bit() != 0 {
			hdr.TxfmMode = TxSwitchable
		} else {
			hdr.TxfmMode = TxLargest
		}
	}

	if hdr.FrameType.isInterOrSwitch() {
		hdr.SwitchableCompRefs = r.Bit() != 0
	}

	if hdr.SwitchableCompRefs && hdr.FrameType.isInterOrSwitch() && seq.OrderHint {
		if err := p.deriveSkipModeRefs(hdr); err != nil {
			return nil, err
		}
	}
	if hdr.SkipModeAllowed {
		hdr.SkipModeEnabled = r.Bit() != 0
	}

	if !hdr.ErrorResilientMode && hdr.FrameType.isInterOrSwitch() && seq.WarpedMotion {
		hdr.WarpMotion = r.Bit() != 0
	}
	hdr.ReducedTxtpSet = r.Bit() != 0

	if hdr.FrameType.isInterOrSwitch() {
		if err := p.parseGlobalMotion(hdr); err != nil {
			return nil, err
		}
	}

	if seq.FilmGrainPresent && (hdr.ShowFrame || hdr.ShowableFrame) {
		if err := p.parseFilmGrain(hdr); err != nil {
			return nil, err
		}
	}

	if r.Error() {
		return nil, fmt.Errorf("%w: bit reader overrun in frame header", ErrInvalidBitstream)
	}
	return hdr, nil
}

func (p *frameHeaderParser) readFrameSize(hdr *FrameHeader, useRef bool) error {
	r, seq := p.r, p.seq
	if useRef {
		for i := 0; i < 7; i++ {
			if r.Bit() == 0 {
				continue
			}
			ref := p.refs[hdr.RefIdx[i]].FrameHdr
			if ref == nil {
				return fmt.Errorf("%w: frame_size_override ref slot %d empty", ErrUnknownReferenceSlot, hdr.RefIdx[i])
			}
			hdr.Width[1] = ref.Width[1]
			hdr.Height = ref.Height
			hdr.RenderWidth = ref.RenderWidth
			hdr.RenderHeight = ref.RenderHeight
			hdr.SuperRes.Enabled = seq.SuperRes && r.Bit() != 0
			if hdr.SuperRes.Enabled {
				d := 9 + int(r.Bits(3))
				hdr.SuperRes.WidthScaleDenominator = d
				hdr.Width[0] = maxInt((hdr.Width[1]*8+(d>>1))/d, minInt(16, hdr.Width[1]))
			} else {
				hdr.SuperRes.WidthScaleDenominator = 8
				hdr.Width[0] = hdr.Width[1]
			}
			return nil
		}
	}

	if hdr.FrameSizeOverride {
		hdr.Width[1] = int(r.Bits(int(seq.WidthNBits))) + 1
		hdr.Height = int(r.Bits(int(seq.HeightNBits))) + 1
	} else {
		hdr.Width[1] = int(seq.MaxWidth)
		hdr.Height = int(seq.MaxHeight)
	}
	hdr.SuperRes.Enabled = seq.SuperRes && r.Bit() != 0
	if hdr.SuperRes.Enabled {
		d := 9 + int(r.Bits(3))
		hdr.SuperRes.WidthScaleDenominator = d
		hdr.Width[0] = maxInt((hdr.Width[1]*8+(d>>1))/d, minInt(16, hdr.Width[1]))
	} else {
		hdr.SuperRes.WidthScaleDenominator = 8
		hdr.Width[0] = hdr.Width[1]
	}
	hdr.HaveRenderSize = r.Bit() != 0
	if hdr.HaveRenderSize {
		hdr.RenderWidth = int(r.Bits(16)) + 1
		hdr.RenderHeight = int(r.Bits(16)) + 1
	} else {
		hdr.RenderWidth = hdr.Width[1]
		hdr.RenderHeight = hdr.Height
	}
	return nil
}

// shortSignalRefs implements the frame_ref_short_signaling tie-break
// (§7.8), including the unsigned-compare sentinel trick that makes an
// already-used slot's INT_MIN offset sort last. The refidx[6] pass starts
// latest_offset at 0, not the minimum possible value, so only a slot with
// a non-negative diff can win it. A pass that finds no candidate leaves
// its entry at -1, and the final pass over refidx[1..6] fills it.
func (p *frameHeaderParser) shortSignalRefs(hdr *FrameHeader) error {
	r, seq := p.r, p.seq
	hdr.RefIdx[0] = int(r.Bits(3))
	hdr.RefIdx[1], hdr.RefIdx[2] = -1, -1
	hdr.RefIdx[3] = int(r.Bits(3))

	var frameOffset [8]int32
	earliestRef := -1
	earliestOffset := int32(1<<31 - 1)
	for i := 0; i < 8; i++ {
		ref := p.refs[i].FrameHdr
		if ref == nil {
			return fmt.Errorf("%w: reference slot %d empty during short signaling", ErrUnknownReferenceSlot, i)
		}
		diff := getPOCDiff(seq.OrderHintNBits, ref.FrameOffset, hdr.FrameOffset)
		frameOffset[i] = diff
		if diff < earliestOffset {
			earliestOffset = diff
			earliestRef = i
		}
	}
	frameOffset[hdr.RefIdx[0]] = -1 << 31
	frameOffset[hdr.RefIdx[3]] = -1 << 31

	refidx := -1
	latestOffset := int32(0)
	for i := 0; i < 8; i++ {
		hint := frameOffset[i]
		if hint >= latestOffset {
			latestOffset = hint
			refidx = i
		}
	}
	if refidx >= 0 {
		frameOffset[refidx] = -1 << 31
	}
	hdr.RefIdx[6] = refidx

	for i := 4; i < 6; i++ {
		earliestU := uint32(0xff)
		refidx = -1
		for j := 0; j < 8; j++ {
			hint := uint32(frameOffset[j])
			if hint < earliestU {
				earliestU = hint
				refidx = j
			}
		}
		if refidx >= 0 {
			frameOffset[refidx] = -1 << 31
		}
		hdr.RefIdx[i] = refidx
	}

	for i := 1; i < 7; i++ {
		if hdr.RefIdx[i] >= 0 {
			continue
		}
		latestU := ^uint32(0xff)
		refidx = -1
		for j := 0; j < 8; j++ {
			hint := uint32(frameOffset[j])
			if hint >= latestU {
				latestU = hint
				refidx = j
			}
		}
		if refidx >= 0 {
			frameOffset[refidx] = -1 << 31
			hdr.RefIdx[i] = refidx
		} else {
			hdr.RefIdx[i] = earliestRef
		}
	}
	return nil
}

// parseTiling derives the tile grid per §5.9.15, deliberately keeping the
// explicit-mode branch's local max_tile_area_sb shadowing the outer,
// differently-scaled variable of the same name.
func (p *frameHeaderParser) parseTiling(hdr *FrameHeader) error {
	r, seq := p.r, p.seq
	t := &hdr.Tiling
	t.Uniform = r.Bit() != 0

	sbszLog2 := 6
	if seq.SB128 {
		sbszLog2 = 7
	}
	sbszMin1 := (64 << boolToInt(seq.SB128)) - 1
	sbw := (hdr.Width[0] + sbszMin1) >> uint(sbszLog2)
	sbh := (hdr.Height + sbszMin1) >> uint(sbszLog2)
	maxTileWidthSB := 4096 >> uint(sbszLog2)
	maxTileAreaSB := (4096 * 2304) >> uint(2*sbszLog2)

	t.MinLog2Cols = tileLog2(maxTileWidthSB, sbw)
	t.MaxLog2Cols = tileLog2(1, minInt(sbw, 64))
	t.MaxLog2Rows = tileLog2(1, minInt(sbh, 64))
	minLog2Tiles := maxInt(tileLog2(maxTileAreaSB, sbw*sbh), t.MinLog2Cols)

	if t.Uniform {
		t.Log2Cols = t.MinLog2Cols
		for t.Log2Cols < t.MaxLog2Cols && r.Bit() != 0 {
			t.Log2Cols++
		}
		tileW := 1 + ((sbw - 1) >> uint(t.Log2Cols))
		t.Cols = 0
		t.ColStartSB = nil
		for sbx := 0; sbx < sbw; sbx += tileW {
			t.ColStartSB = append(t.ColStartSB, sbx)
			t.Cols++
		}
		t.MinLog2Rows = maxInt(minLog2Tiles-t.Log2Cols, 0)

		t.Log2Rows = t.MinLog2Rows
		for t.Log2Rows < t.MaxLog2Rows && r.Bit() != 0 {
			t.Log2Rows++
		}
		tileH := 1 + ((sbh - 1) >> uint(t.Log2Rows))
		t.Rows = 0
		t.RowStartSB = nil
		for sby := 0; sby < sbh; sby += tileH {
			t.RowStartSB = append(t.RowStartSB, sby)
			t.Rows++
		}
	} else {
		t.Cols = 0
		widestTile := 0
		maxTileAreaSB := sbw * sbh // shadows the outer sb-scaled bound, per reference
		t.ColStartSB = nil
		for sbx := 0; sbx < sbw && t.Cols < 64; t.Cols++ {
			tileWidthSB := minInt(sbw-sbx, maxTileWidthSB)
			tileW := 1
			if tileWidthSB > 1 {
				tileW = 1 + int(r.Uniform(uint32(tileWidthSB)))
			}
			t.ColStartSB = append(t.ColStartSB, sbx)
			sbx += tileW
			widestTile = maxInt(widestTile, tileW)
		}
		t.Log2Cols = tileLog2(1, t.Cols)
		if minLog2Tiles != 0 {
			maxTileAreaSB >>= uint(minLog2Tiles + 1)
		}
		maxTileHeightSB := maxInt(maxTileAreaSB/widestTile, 1)

		t.Rows = 0
		t.RowStartSB = nil
		for sby := 0; sby < sbh && t.Rows < 64; t.Rows++ {
			tileHeightSB := minInt(sbh-sby, maxTileHeightSB)
			tileH := 1
			if tileHeightSB > 1 {
				tileH = 1 + int(r.Uniform(uint32(tileHeightSB)))
			}
			t.RowStartSB = append(t.RowStartSB, sby)
			sby += tileH
		}
		t.Log2Rows = tileLog2(1, t.Rows)
	}
	t.ColStartSB = append(t.ColStartSB, sbw)
	t.RowStartSB = append(t.RowStartSB, sbh)

	if t.Log2Cols != 0 || t.Log2Rows != 0 {
		t.ContextUpdateTileID = int(r.Bits(t.Log2Cols + t.Log2Rows))
		t.TileSizeBytes = int(r.Bits(2)) + 1
	}
	if t.ContextUpdateTileID >= t.Cols*t.Rows {
		return fmt.Errorf("%w: context_update_tile_id %d out of range for %dx%d tile grid", ErrInvalidBitstream, t.ContextUpdateTileID, t.Cols, t.Rows)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (p *frameHeaderParser) parseQuant(hdr *FrameHeader) {
	r, seq := p.r, p.seq
	q := &hdr.Quant
	q.YAC = r.Bits(8)
	if r.Bit() != 0 {
		q.YDCDelta = r.SBits(7)
	}
	if !seq.Color.Monochrome {
		diffUVDelta := false
		if seq.Color.SeparateUVDeltaQ {
			diffUVDelta = r.Bit() != 0
		}
		if r.Bit() != 0 {
			q.UDCDelta = r.SBits(7)
		}
		if r.Bit() != 0 {
			q.UACDelta = r.SBits(7)
		}
		if diffUVDelta {
			if r.Bit() != 0 {
				q.VDCDelta = r.SBits(7)
			}
			if r.Bit() != 0 {
				q.VACDelta = r.SBits(7)
			}
		} else {
			q.VDCDelta = q.UDCDelta
			q.VACDelta = q.UACDelta
		}
	}
	q.UsingQMatrix = r.Bit() != 0
	if q.UsingQMatrix {
		q.QMY = r.Bits(4)
		q.QMU = r.Bits(4)
		if seq.Color.SeparateUVDeltaQ {
			q.QMV = r.Bits(4)
		} else {
			q.QMV = q.QMU
		}
	}
}

func (p *frameHeaderParser) parseSegmentation(hdr *FrameHeader) error {
	r := p.r
	s := &hdr.Segmentation
	s.Enabled = r.Bit() != 0
	s.LastActiveSegID = -1
	if !s.Enabled {
		for i := range s.Features {
			s.Features[i].Ref = -1
		}
		return nil
	}
	if hdr.PrimaryRefFrame == PrimaryRefNone {
		s.UpdateMap = true
		s.UpdateData = true
	} else {
		s.UpdateMap = r.Bit() != 0
		if s.UpdateMap {
			s.Temporal = r.Bit() != 0
		}
		s.UpdateData = r.Bit() != 0
	}

	if s.UpdateData {
		for i := range s.Features {
			f := &s.Features[i]
			f.Ref = -1
			if r.Bit() != 0 {
				f.DeltaQ = r.SBits(9)
				s.LastActiveSegID = i
			}
			if r.Bit() != 0 {
				f.DeltaLFYV = r.SBits(7)
				s.LastActiveSegID = i
			}
			if r.Bit() != 0 {
				f.DeltaLFYH = r.SBits(7)
				s.LastActiveSegID = i
			}
			if r.Bit() != 0 {
				f.DeltaLFU = r.SBits(7)
				s.LastActiveSegID = i
			}
			if r.Bit() != 0 {
				f.DeltaLFV = r.SBits(7)
				s.LastActiveSegID = i
			}
			if r.Bit() != 0 {
				f.Ref = int32(r.Bits(3))
				s.LastActiveSegID = i
				s.Preskip = true
			}
			f.Skip = r.Bit() != 0
			if f.Skip {
				s.LastActiveSegID = i
				s.Preskip = true
			}
			f.GlobalMV = r.Bit() != 0
			if f.GlobalMV {
				s.LastActiveSegID = i
				s.Preskip = true
			}
		}
	} else {
		if hdr.PrimaryRefFrame == PrimaryRefNone {
			return fmt.Errorf("%w: segmentation inheritance requires a primary reference", ErrInvalidBitstream)
		}
		priRef := p.refs[hdr.RefIdx[hdr.PrimaryRefFrame]].FrameHdr
		if priRef == nil {
			return fmt.Errorf("%w: primary reference slot has no frame header", ErrUnknownReferenceSlot)
		}
		s.Features = priRef.Segmentation.Features
		s.LastActiveSegID = priRef.Segmentation.LastActiveSegID
		s.Preskip = priRef.Segmentation.Preskip
	}
	return nil
}

func (p *frameHeaderParser) deriveLossless(hdr *FrameHeader) {
	r := p.r
	q := hdr.Quant
	deltaLossless := q.YDCDelta == 0 && q.UDCDelta == 0 && q.UACDelta == 0 && q.VDCDelta == 0 && q.VACDelta == 0
	hdr.AllLossless = true
	for i := 0; i < 8; i++ {
		var qidx uint8
		if hdr.Segmentation.Enabled {
			qidx = clampU8(int32(q.YAC) + hdr.Segmentation.Features[i].DeltaQ)
		} else {
			qidx = clampU8(int32(q.YAC))
		}
		hdr.Segmentation.QIndex[i] = qidx
		hdr.Segmentation.Lossless[i] = qidx == 0 && deltaLossless
		hdr.AllLossless = hdr.AllLossless && hdr.Segmentation.Lossless[i]
	}

	if q.YAC != 0 {
		hdr.DeltaQ.Present = r.Bit() != 0
		if hdr.DeltaQ.Present {
			hdr.DeltaQ.ResLog2 = r.Bits(2)
			if !hdr.AllowIntrabc {
				hdr.DeltaLF.Present = r.Bit() != 0
				if hdr.DeltaLF.Present {
					hdr.DeltaLF.ResLog2 = r.Bits(2)
					hdr.DeltaLF.Multi = r.Bit() != 0
				}
			}
		}
	}
}

func (p *frameHeaderParser) deriveSkipModeRefs(hdr *FrameHeader) error {
	seq := p.seq
	poc := int32(hdr.FrameOffset)
	offBefore, offAfter := int32(-1), int32(-1)
	offBeforeIdx, offAfterIdx := -1, -1
	for i := 0; i < 7; i++ {
		ref := p.refs[hdr.RefIdx[i]].FrameHdr
		if ref == nil {
			return fmt.Errorf("%w: skip-mode ref slot %d empty", ErrUnknownReferenceSlot, hdr.RefIdx[i])
		}
		refPOC := int32(ref.FrameOffset)
		diff := getPOCDiff(seq.OrderHintNBits, uint32(refPOC), uint32(poc))
		switch {
		case diff > 0:
			if offAfter < 0 || getPOCDiff(seq.OrderHintNBits, uint32(offAfter), uint32(refPOC)) > 0 {
				offAfter = refPOC
				offAfterIdx = i
			}
		case diff < 0:
			if offBefore < 0 || getPOCDiff(seq.OrderHintNBits, uint32(refPOC), uint32(offBefore)) > 0 {
				offBefore = refPOC
				offBeforeIdx = i
			}
		}
	}

	switch {
	case offBefore >= 0 && offAfter >= 0:
		hdr.SkipModeRefs[0] = minInt(offBeforeIdx, offAfterIdx)
		hdr.SkipModeRefs[1] = maxInt(offBeforeIdx, offAfterIdx)
		hdr.SkipModeAllowed = true
	case offBefore >= 0:
		offBefore2 := int32(-1)
		offBefore2Idx := -1
		for i := 0; i < 7; i++ {
			ref := p.refs[hdr.RefIdx[i]].FrameHdr
			if ref == nil {
				return fmt.Errorf("%w: skip-mode ref slot %d empty", ErrUnknownReferenceSlot, hdr.RefIdx[i])
			}
			refPOC := int32(ref.FrameOffset)
			if getPOCDiff(seq.OrderHintNBits, uint32(refPOC), uint32(offBefore)) < 0 {
				if offBefore2 < 0 || getPOCDiff(seq.OrderHintNBits, uint32(refPOC), uint32(offBefore2)) > 0 {
					offBefore2 = refPOC
					offBefore2Idx = i
				}
			}
		}
		if offBefore2 >= 0 {
			hdr.SkipModeRefs[0] = minInt(offBeforeIdx, offBefore2Idx)
			hdr.SkipModeRefs[1] = maxInt(offBeforeIdx, offBefore2Idx)
			hdr.SkipModeAllowed = true
		}
	}
	return nil
}

// parseGlobalMotion implements §5.9.24's global_motion_params(): each
// reference's warp type gates a cascade of bits_subexp-predicted matrix
// coefficients against the primary reference's matrix.
func (p *frameHeaderParser) parseGlobalMotion(hdr *FrameHeader) error {
	r := p.r
	for i := 0; i < 7; i++ {
		var wtype WarpType
		switch {
		case r.Bit() == 0:
			wtype = WarpIdentity
		case r.Bit() != 0:
			wtype = WarpRotZoom
		case r.Bit() != 0:
			wtype = WarpTranslation
		default:
			wtype = WarpAffine
		}
		hdr.GMV[i].Type = wtype
		if wtype == WarpIdentity {
			continue
		}

		var refMat [6]int32
		if hdr.PrimaryRefFrame == PrimaryRefNone {
			refMat = identityGlobalMotion.Matrix
		} else {
			ref := p.refs[hdr.RefIdx[hdr.PrimaryRefFrame]].FrameHdr
			if ref == nil {
				return fmt.Errorf("%w: primary ref slot has no frame header", ErrUnknownReferenceSlot)
			}
			refMat = ref.GMV[i].Matrix
		}
		mat := &hdr.GMV[i].Matrix
		var bits, shift int
		const rotZoomMx = uint32(1) << 12
		if wtype >= WarpRotZoom {
			mat[2] = (1 << 16) + 2*r.BitsSubexp((refMat[2]-(1<<16))>>1, rotZoomMx)
			mat[3] = 2 * r.BitsSubexp(refMat[3]>>1, rotZoomMx)
			bits, shift = 12, 10
		} else {
			bits = 9 - boolToInt(!hdr.HP)
			shift = 13 + boolToInt(!hdr.HP)
		}
		if wtype == WarpAffine {
			mat[4] = 2 * r.BitsSubexp(refMat[4]>>1, rotZoomMx)
			mat[5] = (1 << 16) + 2*r.BitsSubexp((refMat[5]-(1<<16))>>1, rotZoomMx)
		} else {
			mat[4] = -mat[3]
			mat[5] = mat[2]
		}
		mat[0] = r.BitsSubexp(refMat[0]>>uint(shift), uint32(1<<uint(bits))) * (1 << uint(shift))
		mat[1] = r.BitsSubexp(refMat[1]>>uint(shift), uint32(1<<uint(bits))) * (1 << uint(shift))
	}
	return nil
}

// parseFilmGrain implements §5.9.30, including the 4:2:0 chroma symmetry
// check and the ar_coeff_lag-dependent AR coefficient counts.
func (p *frameHeaderParser) parseFilmGrain(hdr *FrameHeader) error {
	r, seq := p.r, p.seq
	fg := &hdr.FilmGrain
	fg.Present = r.Bit() != 0
	if !fg.Present {
		return nil
	}
	seed := r.Bits(16)
	if hdr.FrameType != FrameInter {
		fg.Update = true
	} else {
		fg.Update = r.Bit() != 0
	}
	if !fg.Update {
		refidx := int(r.Bits(3))
		found := -1
		for i := 0; i < 7; i++ {
			if hdr.RefIdx[i] == refidx {
				found = i
				break
			}
		}
		ref := p.refs[refidx].FrameHdr
		if found == -1 || ref == nil {
			return fmt.Errorf("%w: film grain reference index %d not among frame refs", ErrInvalidBitstream, refidx)
		}
		*fg = ref.FilmGrain
		fg.Seed = seed
		return nil
	}

	fg.Seed = seed
	fg.NumYPoints = int(r.Bits(4))
	if fg.NumYPoints > 14 {
		return fmt.Errorf("%w: num_y_points %d exceeds 14", ErrInvalidBitstream, fg.NumYPoints)
	}
	fg.YPoints = make([][2]uint8, fg.NumYPoints)
	for i := range fg.YPoints {
		fg.YPoints[i][0] = uint8(r.Bits(8))
		if i > 0 && fg.YPoints[i-1][0] >= fg.YPoints[i][0] {
			return fmt.Errorf("%w: film grain Y scaling points not strictly increasing", ErrInvalidBitstream)
		}
		fg.YPoints[i][1] = uint8(r.Bits(8))
	}

	if !seq.Color.Monochrome {
		fg.ChromaScalingFromLuma = r.Bit() != 0
	}
	if seq.Color.Monochrome || fg.ChromaScalingFromLuma ||
		(seq.Color.SubsamplingY == 1 && seq.Color.SubsamplingX == 1 && fg.NumYPoints == 0) {
		fg.NumUVPoints[0], fg.NumUVPoints[1] = 0, 0
	} else {
		for pl := 0; pl < 2; pl++ {
			fg.NumUVPoints[pl] = int(r.Bits(4))
			if fg.NumUVPoints[pl] > 10 {
				return fmt.Errorf("%w: num_uv_points[%d] exceeds 10", ErrInvalidBitstream, pl)
			}
			fg.UVPoints[pl] = make([][2]uint8, fg.NumUVPoints[pl])
			for i := range fg.UVPoints[pl] {
				fg.UVPoints[pl][i][0] = uint8(r.Bits(8))
				if i > 0 && fg.UVPoints[pl][i-1][0] >= fg.UVPoints[pl][i][0] {
					return fmt.Errorf("%w: film grain UV[%d] scaling points not strictly increasing", ErrInvalidBitstream, pl)
				}
				fg.UVPoints[pl][i][1] = uint8(r.Bits(8))
			}
		}
	}

	if seq.Color.SubsamplingX == 1 && seq.Color.SubsamplingY == 1 &&
		(fg.NumUVPoints[0] != 0) != (fg.NumUVPoints[1] != 0) {
		return fmt.Errorf("%w: film grain 4:2:0 chroma point symmetry violated", ErrInvalidBitstream)
	}

	fg.ScalingShift = r.Bits(2) + 8
	fg.ARCoeffLag = r.Bits(2)
	numYPos := 2 * int(fg.ARCoeffLag) * (int(fg.ARCoeffLag) + 1)
	if fg.NumYPoints > 0 {
		fg.ARCoeffsY = make([]int32, numYPos)
		for i := range fg.ARCoeffsY {
			fg.ARCoeffsY[i] = int32(r.Bits(8)) - 128
		}
	}
	for pl := 0; pl < 2; pl++ {
		if fg.NumUVPoints[pl] == 0 && !fg.ChromaScalingFromLuma {
			continue
		}
		// The number of coefficients actually read from the bitstream
		// (numUVPos) differs from the stored array length: when there is
		// no Y model, a trailing zero coefficient is appended after the
		// read loop rather than read, so the array is always numYPos+1
		// long regardless of which branch supplies the last entry.
		numUVPos := numYPos
		if fg.NumYPoints > 0 {
			numUVPos++
		}
		fg.ARCoeffsUV[pl] = make([]int32, numYPos+1)
		for i := 0; i < numUVPos; i++ {
			fg.ARCoeffsUV[pl][i] = int32(r.Bits(8)) - 128
		}
		if fg.NumYPoints == 0 {
			fg.ARCoeffsUV[pl][numUVPos] = 0
		}
	}
	fg.ARCoeffShift = r.Bits(2) + 6
	fg.GrainScaleShift = r.Bits(2)
	for pl := 0; pl < 2; pl++ {
		if fg.NumUVPoints[pl] == 0 {
			continue
		}
		fg.UVMult[pl] = int32(r.Bits(8)) - 128
		fg.UVLumaMult[pl] = int32(r.Bits(8)) - 128
		fg.UVOffset[pl] = int32(r.Bits(9)) - 256
	}
	fg.OverlapFlag = r.Bit() != 0
	fg.ClipToRestrictedRange = r.Bit() != 0
	return nil
}
