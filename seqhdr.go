package av1obu

import (
	"fmt"

	"github.com/av1obu/av1obu/internal/bitreader"
)

// ToolMode is the AV1 off/on/adaptive tri-state encoding (§5.5.1) shared by
// ScreenContentTools and ForceIntegerMv. ToolAdaptive also stands in for the
// "absent, value 2" sentinel force_integer_mv takes when screen_content_tools
// is off.
type ToolMode int

const (
	ToolOff ToolMode = iota
	ToolOn
	ToolAdaptive
)

// PixelLayout is the chroma subsampling layout derived from profile, bit
// depth and the explicit ss_hor/ss_ver bits.
type PixelLayout int

const (
	LayoutI400 PixelLayout = iota
	LayoutI420
	LayoutI422
	LayoutI444
)

// Color primary/transfer/matrix constants relevant to the MC_IDENTITY/I444
// special case (§4.B); AV1 defines the full CICP tables, this core only
// needs to recognize the handful of values its own logic branches on.
const (
	ColorPriBT709     = 1
	ColorPriUnknown   = 2
	TransferSRGB      = 13
	TransferUnknown   = 2
	MatrixIdentity    = 0
	MatrixUnknown     = 2
	ChromaSampleUnknown = 0
)

// OperatingPoint is one entry of a SequenceHeader's operating point table
// (up to 32 per §5.5.1).
type OperatingPoint struct {
	Idc                     uint32
	MajorLevel              uint32
	MinorLevel              uint32
	Tier                    uint32
	DecoderModelParamPresent bool
	DecoderBufferDelay      uint32
	EncoderBufferDelay      uint32
	LowDelayMode            bool
	DisplayModelParamPresent bool
	InitialDisplayDelay     uint32
}

// DecoderModelInfo is the timing_info-adjacent decoder-model sub-block,
// present only when timing_info_present && decoder_model_info_present.
type DecoderModelInfo struct {
	EncoderDecoderBufferDelayLength uint32
	NumUnitsInDecodingTick          uint32
	BufferRemovalDelayLength        uint32
	FramePresentationDelayLength    uint32
}

// ColorConfig is the color_config() syntax structure (§5.5.2).
type ColorConfig struct {
	HighBitdepth  bool
	BitDepth      int // 8, 10 or 12
	Monochrome    bool
	ColorDescriptionPresent bool
	PrimaryID     uint32
	TransferID    uint32
	MatrixID      uint32
	ColorRange    bool
	Layout        PixelLayout
	SubsamplingX  int
	SubsamplingY  int
	ChromaSamplePosition uint32
	SeparateUVDeltaQ     bool
}

// SequenceHeader is the immutable, refcounted descriptor parsed from an
// OBU_SEQUENCE_HEADER (§5.5). Once published it is never mutated; a
// structurally different SEQ_HDR causes the whole SequenceHeader to be
// replaced, not patched in place.
type SequenceHeader struct {
	Profile                  uint32
	StillPicture             bool
	ReducedStillPictureHeader bool

	TimingInfoPresent       bool
	NumUnitsInTick          uint32
	TimeScale               uint32
	EqualPictureInterval    bool
	NumTicksPerPicture      uint32

	DecoderModelInfoPresent bool
	DecoderModelInfo        DecoderModelInfo

	DisplayModelInfoPresent bool
	OperatingPoints         []OperatingPoint

	WidthNBits  uint32
	HeightNBits uint32
	MaxWidth    uint32
	MaxHeight   uint32

	FrameIDNumbersPresent bool
	DeltaFrameIDNBits     uint32
	FrameIDNBits          uint32

	SB128            bool
	FilterIntra      bool
	IntraEdgeFilter  bool
	InterIntra       bool
	MaskedCompound   bool
	WarpedMotion     bool
	DualFilter       bool
	OrderHint        bool
	OrderHintNBits   uint32
	JntComp          bool
	RefFrameMvs      bool
	ScreenContentTools ToolMode
	ForceIntegerMv     ToolMode

	SuperRes    bool
	CDEF        bool
	Restoration bool

	Color ColorConfig

	FilmGrainPresent bool
}

// operatingPointIdcValid mirrors dav1d's inline check: idc is either zero
// or has both a nonzero low byte (temporal mask) and nonzero bits 8-11
// (spatial mask).
func operatingPointIdcValid(idc uint32) bool {
	if idc == 0 {
		return true
	}
	return idc&0xff != 0 && idc&0xf00 != 0
}

// parseSequenceHeader parses an OBU_SEQUENCE_HEADER payload per AV1 §5.5,
// following dav1d's parse_seq_hdr field ordering exactly, including its
// strict-mode-only checks.
func parseSequenceHeader(r *bitreader.Reader, strict bool) (*SequenceHeader, error) {
	hdr := &SequenceHeader{}

	hdr.Profile = r.Bits(3)
	if hdr.Profile > 2 {
		return nil, fmt.Errorf("%w: sequence header profile %d > 2", ErrInvalidBitstream, hdr.Profile)
	}

	hdr.StillPicture = r.Bit() != 0
	hdr.ReducedStillPictureHeader = r.Bit() != 0
	if hdr.ReducedStillPictureHeader && !hdr.StillPicture {
		return nil, fmt.Errorf("%w: reduced_still_picture_header without still_picture", ErrInvalidBitstream)
	}

	if hdr.ReducedStillPictureHeader {
		hdr.OperatingPoints = []OperatingPoint{{
			MajorLevel:          r.Bits(3),
			MinorLevel:          r.Bits(2),
			InitialDisplayDelay: 10,
		}}
	} else {
		hdr.TimingInfoPresent = r.Bit() != 0
		if hdr.TimingInfoPresent {
			hdr.NumUnitsInTick = r.Bits(32)
			hdr.TimeScale = r.Bits(32)
			if strict && (hdr.NumUnitsInTick == 0 || hdr.TimeScale == 0) {
				return nil, fmt.Errorf("%w: num_units_in_tick or time_scale is zero", ErrInvalidBitstream)
			}
			hdr.EqualPictureInterval = r.Bit() != 0
			if hdr.EqualPictureInterval {
				n := r.VLC()
				if n == vlcFailed {
					return nil, fmt.Errorf("%w: num_ticks_per_picture_minus_1 overflow", ErrInvalidBitstream)
				}
				hdr.NumTicksPerPicture = n + 1
			}

			hdr.DecoderModelInfoPresent = r.Bit() != 0
			if hdr.DecoderModelInfoPresent {
				hdr.DecoderModelInfo.EncoderDecoderBufferDelayLength = r.Bits(5) + 1
				hdr.DecoderModelInfo.NumUnitsInDecodingTick = r.Bits(32)
				if strict && hdr.DecoderModelInfo.NumUnitsInDecodingTick == 0 {
					return nil, fmt.Errorf("%w: num_units_in_decoding_tick is zero", ErrInvalidBitstream)
				}
				hdr.DecoderModelInfo.BufferRemovalDelayLength = r.Bits(5) + 1
				hdr.DecoderModelInfo.FramePresentationDelayLength = r.Bits(5) + 1
			}
		}

		hdr.DisplayModelInfoPresent = r.Bit() != 0
		numOps := r.Bits(5) + 1
		hdr.OperatingPoints = make([]OperatingPoint, numOps)
		for i := range hdr.OperatingPoints {
			op := &hdr.OperatingPoints[i]
			op.Idc = r.Bits(12)
			if !operatingPointIdcValid(op.Idc) {
				return nil, fmt.Errorf("%w: operating point %d has invalid idc %#x", ErrInvalidBitstream, i, op.Idc)
			}
			op.MajorLevel = 2 + r.Bits(3)
			op.MinorLevel = r.Bits(2)
			if op.MajorLevel > 3 {
				op.Tier = r.Bits(1)
			}
			if hdr.DecoderModelInfoPresent {
				op.DecoderModelParamPresent = r.Bit() != 0
				if op.DecoderModelParamPresent {
					op.DecoderBufferDelay = r.Bits(int(hdr.DecoderModelInfo.EncoderDecoderBufferDelayLength))
					op.EncoderBufferDelay = r.Bits(int(hdr.DecoderModelInfo.EncoderDecoderBufferDelayLength))
					op.LowDelayMode = r.Bit() != 0
				}
			}
			if hdr.DisplayModelInfoPresent {
				op.DisplayModelParamPresent = r.Bit() != 0
			}
			if op.DisplayModelParamPresent {
				op.InitialDisplayDelay = r.Bits(4) + 1
			} else {
				op.InitialDisplayDelay = 10
			}
		}
	}

	hdr.WidthNBits = r.Bits(4) + 1
	hdr.HeightNBits = r.Bits(4) + 1
	hdr.MaxWidth = r.Bits(int(hdr.WidthNBits)) + 1
	hdr.MaxHeight = r.Bits(int(hdr.HeightNBits)) + 1

	if !hdr.ReducedStillPictureHeader {
		hdr.FrameIDNumbersPresent = r.Bit() != 0
		if hdr.FrameIDNumbersPresent {
			hdr.DeltaFrameIDNBits = r.Bits(4) + 2
			hdr.FrameIDNBits = r.Bits(3) + hdr.DeltaFrameIDNBits + 1
		}
	}

	hdr.SB128 = r.Bit() != 0
	hdr.FilterIntra = r.Bit() != 0
	hdr.IntraEdgeFilter = r.Bit() != 0
	if hdr.ReducedStillPictureHeader {
		hdr.ScreenContentTools = ToolAdaptive
		hdr.ForceIntegerMv = ToolAdaptive
	} else {
		hdr.InterIntra = r.Bit() != 0
		hdr.MaskedCompound = r.Bit() != 0
		hdr.WarpedMotion = r.Bit() != 0
		hdr.DualFilter = r.Bit() != 0
		hdr.OrderHint = r.Bit() != 0
		if hdr.OrderHint {
			hdr.JntComp = r.Bit() != 0
			hdr.RefFrameMvs = r.Bit() != 0
		}
		if r.Bit() != 0 {
			hdr.ScreenContentTools = ToolAdaptive
		} else if r.Bit() != 0 {
			hdr.ScreenContentTools = ToolOn
		} else {
			hdr.ScreenContentTools = ToolOff
		}
		if hdr.ScreenContentTools != ToolOff {
			if r.Bit() != 0 {
				hdr.ForceIntegerMv = ToolAdaptive
			} else if r.Bit() != 0 {
				hdr.ForceIntegerMv = ToolOn
			} else {
				hdr.ForceIntegerMv = ToolOff
			}
		} else {
			hdr.ForceIntegerMv = 2 // absent sentinel, matches dav1d's literal 2
		}
		if hdr.OrderHint {
			hdr.OrderHintNBits = r.Bits(3) + 1
		}
	}
	hdr.SuperRes = r.Bit() != 0
	hdr.CDEF = r.Bit() != 0
	hdr.Restoration = r.Bit() != 0

	if err := parseColorConfig(r, hdr, strict); err != nil {
		return nil, err
	}

	hdr.FilmGrainPresent = r.Bit() != 0

	r.TrailingBits(strict)
	if r.Error() {
		return nil, fmt.Errorf("%w: trailing bits check failed in sequence header", ErrInvalidBitstream)
	}
	return hdr, nil
}

const vlcFailed = 0xffffffff

func parseColorConfig(r *bitreader.Reader, hdr *SequenceHeader, strict bool) error {
	c := &hdr.Color
	hbd := r.Bit()
	depthCode := hbd
	if hdr.Profile == 2 && hbd != 0 {
		depthCode += r.Bit()
	}
	c.HighBitdepth = hbd != 0
	switch depthCode {
	case 0:
		c.BitDepth = 8
	case 1:
		c.BitDepth = 10
	case 2:
		c.BitDepth = 12
	}

	if hdr.Profile != 1 {
		c.Monochrome = r.Bit() != 0
	}

	c.ColorDescriptionPresent = r.Bit() != 0
	if c.ColorDescriptionPresent {
		c.PrimaryID = r.Bits(8)
		c.TransferID = r.Bits(8)
		c.MatrixID = r.Bits(8)
	} else {
		c.PrimaryID = ColorPriUnknown
		c.TransferID = TransferUnknown
		c.MatrixID = MatrixUnknown
	}

	switch {
	case c.Monochrome:
		c.ColorRange = r.Bit() != 0
		c.Layout = LayoutI400
		c.SubsamplingX, c.SubsamplingY = 1, 1
		c.ChromaSamplePosition = ChromaSampleUnknown

	case c.PrimaryID == ColorPriBT709 && c.TransferID == TransferSRGB && c.MatrixID == MatrixIdentity:
		c.Layout = LayoutI444
		c.ColorRange = true
		if hdr.Profile != 1 && !(hdr.Profile == 2 && depthCode == 2) {
			return fmt.Errorf("%w: sRGB/IDENTITY color config requires profile 1 or profile 2 at 12-bit", ErrInvalidBitstream)
		}

	default:
		c.ColorRange = r.Bit() != 0
		switch hdr.Profile {
		case 0:
			c.Layout = LayoutI420
			c.SubsamplingX, c.SubsamplingY = 1, 1
		case 1:
			c.Layout = LayoutI444
		case 2:
			if depthCode == 2 {
				if r.Bit() != 0 {
					c.SubsamplingX = 1
					if r.Bit() != 0 {
						c.SubsamplingY = 1
					}
				}
			} else {
				c.SubsamplingX = 1
			}
			switch {
			case c.SubsamplingX == 0:
				c.Layout = LayoutI444
			case c.SubsamplingY == 0:
				c.Layout = LayoutI422
			default:
				c.Layout = LayoutI420
			}
		}
		if c.SubsamplingX != 0 && c.SubsamplingY != 0 {
			c.ChromaSamplePosition = r.Bits(2)
		} else {
			c.ChromaSamplePosition = ChromaSampleUnknown
		}
	}

	if strict && c.MatrixID == MatrixIdentity && c.Layout != LayoutI444 {
		return fmt.Errorf("%w: MC_IDENTITY requires I444 in strict mode", ErrInvalidBitstream)
	}

	if !c.Monochrome {
		c.SeparateUVDeltaQ = r.Bit() != 0
	}
	return nil
}

// structurallyEqual reports whether two sequence headers are the "same"
// sequence for change-detection purposes: every field compares equal
// except operating_parameter_info (which this type doesn't even model
// separately, folding it into OperatingPoint), matching §3's lifecycle
// rule for when a SEQ_HDR replacement discards the reference-slot table.
func (h *SequenceHeader) structurallyEqual(o *SequenceHeader) bool {
	if h == nil || o == nil {
		return h == o
	}
	if h.Profile != o.Profile || h.StillPicture != o.StillPicture ||
		h.ReducedStillPictureHeader != o.ReducedStillPictureHeader ||
		h.TimingInfoPresent != o.TimingInfoPresent || h.NumUnitsInTick != o.NumUnitsInTick ||
		h.TimeScale != o.TimeScale || h.EqualPictureInterval != o.EqualPictureInterval ||
		h.NumTicksPerPicture != o.NumTicksPerPicture ||
		h.DecoderModelInfoPresent != o.DecoderModelInfoPresent ||
		h.DecoderModelInfo != o.DecoderModelInfo ||
		h.DisplayModelInfoPresent != o.DisplayModelInfoPresent ||
		h.MaxWidth != o.MaxWidth || h.MaxHeight != o.MaxHeight ||
		h.WidthNBits != o.WidthNBits || h.HeightNBits != o.HeightNBits ||
		h.FrameIDNumbersPresent != o.FrameIDNumbersPresent ||
		h.DeltaFrameIDNBits != o.DeltaFrameIDNBits || h.FrameIDNBits != o.FrameIDNBits ||
		h.SB128 != o.SB128 || h.FilterIntra != o.FilterIntra ||
		h.IntraEdgeFilter != o.IntraEdgeFilter || h.InterIntra != o.InterIntra ||
		h.MaskedCompound != o.MaskedCompound || h.WarpedMotion != o.WarpedMotion ||
		h.DualFilter != o.DualFilter || h.OrderHint != o.OrderHint ||
		h.OrderHintNBits != o.OrderHintNBits || h.JntComp != o.JntComp ||
		h.RefFrameMvs != o.RefFrameMvs || h.ScreenContentTools != o.ScreenContentTools ||
		h.ForceIntegerMv != o.ForceIntegerMv || h.SuperRes != o.SuperRes ||
		h.CDEF != o.CDEF || h.Restoration != o.Restoration ||
		h.FilmGrainPresent != o.FilmGrainPresent {
		return false
	}
	if h.Color != o.Color {
		return false
	}
	if len(h.OperatingPoints) != len(o.OperatingPoints) {
		return false
	}
	for i := range h.OperatingPoints {
		a, b := h.OperatingPoints[i], o.OperatingPoints[i]
		a.DecoderModelParamPresent, b.DecoderModelParamPresent = false, false
		a.DecoderBufferDelay, b.DecoderBufferDelay = 0, 0
		a.EncoderBufferDelay, b.EncoderBufferDelay = 0, 0
		a.LowDelayMode, b.LowDelayMode = false, false
		if a != b {
			return false
		}
	}
	return true
}
