package av1obu

import (
	"fmt"

	"github.com/av1obu/av1obu/internal/bitreader"
)

// Metadata OBU type values, per AV1 §6.7.1's obu_metadata_type.
const (
	metaHDRCLL      = 1
	metaHDRMDCV     = 2
	metaScalability = 3
	metaITUT35      = 4
	metaTimecode    = 5
)

// HDRContentLight is the OBU_METADATA_TYPE_HDR_CLL payload (MaxCLL/MaxFALL).
type HDRContentLight struct {
	MaxContentLightLevel      uint32
	MaxFrameAverageLightLevel uint32
}

// MasteringDisplay is the OBU_METADATA_TYPE_HDR_MDCV payload.
type MasteringDisplay struct {
	Primaries    [3][2]uint32
	WhitePoint   [2]uint32
	MaxLuminance uint32
	MinLuminance uint32
}

// ITUT35Payload is one accumulated ITU-T T.35 metadata message. Payloads
// accumulate across OBUs until the next emitted Output (a submitted frame
// or a show_existing_frame) takes them.
type ITUT35Payload struct {
	CountryCode          uint8
	CountryCodeExtension uint8
	Payload              []byte
}

// parseMetadataOBU dispatches on the metadata OBU's leb128 meta_type,
// following dav1d's OBU_METADATA case. HDR_CLL and HDR_MDCV replace any
// previously parsed instance outright; ITU-T T.35 payloads append.
// Unrecognized types in the registered range are logged but never fail
// the parse; types 6..31 are unregistered user-private and are silently
// ignored, matching the reference decoder.
func (c *DecoderContext) parseMetadataOBU(r *bitreader.Reader) error {
	metaType := r.Leb128()
	if r.Error() {
		return fmt.Errorf("%w: malformed metadata OBU type", ErrInvalidBitstream)
	}
	switch metaType {
	case metaHDRCLL:
		cll := &HDRContentLight{
			MaxContentLightLevel:      r.Bits(16),
			MaxFrameAverageLightLevel: r.Bits(16),
		}
		r.TrailingBits(c.strict)
		if r.Error() {
			return fmt.Errorf("%w: HDR_CLL metadata", ErrInvalidBitstream)
		}
		c.hdrCLL = cll
	case metaHDRMDCV:
		mdcv := &MasteringDisplay{}
		for i := 0; i < 3; i++ {
			mdcv.Primaries[i][0] = r.Bits(16)
			mdcv.Primaries[i][1] = r.Bits(16)
		}
		mdcv.WhitePoint[0] = r.Bits(16)
		mdcv.WhitePoint[1] = r.Bits(16)
		mdcv.MaxLuminance = r.Bits(32)
		mdcv.MinLuminance = r.Bits(32)
		r.TrailingBits(c.strict)
		if r.Error() {
			return fmt.Errorf("%w: HDR_MDCV metadata", ErrInvalidBitstream)
		}
		c.hdrMDCV = mdcv
	case metaITUT35:
		return c.parseITUT35(r)
	case metaScalability, metaTimecode:
		// Ignored: neither carries state this package models.
	default:
		if metaType > 31 {
			c.logf("unknown metadata OBU type %d", metaType)
		}
	}
	return nil
}

// parseITUT35 reads a raw ITU-T T.35 payload directly out of the OBU's
// remaining bytes rather than through bit fields, mirroring obu.c: the
// payload size is derived by trimming the trailing_bits() padding byte
// (a lone 0x80 once any all-zero padding bytes are stripped) off the end
// of the OBU, then subtracting the country_code (and, if 0xFF, its
// extension byte) already consumed from the front. A malformed message —
// one where the computed boundary doesn't land on 0x80 — is logged and
// dropped without failing the surrounding OBU parse.
func (c *DecoderContext) parseITUT35(r *bitreader.Reader) error {
	raw := r.RawBytes()
	trimmed := len(raw)
	for trimmed > 0 && raw[trimmed-1] == 0 {
		trimmed--
	}
	payloadSize := trimmed - 1 // the trailing_one_bit + zero-pad byte itself

	countryCode := uint8(r.Bits(8))
	payloadSize--
	headerLen := 1
	var countryCodeExt uint8
	if countryCode == 0xff {
		countryCodeExt = uint8(r.Bits(8))
		payloadSize--
		headerLen = 2
	}
	if r.Error() {
		return fmt.Errorf("%w: ITU-T T.35 country code", ErrInvalidBitstream)
	}

	if payloadSize <= 0 || headerLen+payloadSize >= len(raw) || raw[headerLen+payloadSize] != 0x80 {
		c.logf("malformed ITU-T T.35 metadata message format")
		return nil
	}

	payload := make([]byte, payloadSize)
	copy(payload, raw[headerLen:headerLen+payloadSize])
	r.Skip(payloadSize)

	c.t35 = append(c.t35, ITUT35Payload{
		CountryCode:          countryCode,
		CountryCodeExtension: countryCodeExt,
		Payload:              payload,
	})
	return nil
}
