package av1obu

import (
	"bytes"
	"testing"

	"github.com/av1obu/av1obu/internal/bitreader"
)

func TestParseMetadataHDRCLL(t *testing.T) {
	data := []byte{
		metaHDRCLL,
		0x03, 0xe8, // max_content_light_level = 1000
		0x01, 0x90, // max_frame_average_light_level = 400
		0x80, // trailing_bits
	}
	c := NewContext()
	if err := c.parseMetadataOBU(bitreader.New(data)); err != nil {
		t.Fatalf("parseMetadataOBU: %v", err)
	}
	if c.hdrCLL == nil {
		t.Fatal("hdrCLL not set")
	}
	if c.hdrCLL.MaxContentLightLevel != 1000 || c.hdrCLL.MaxFrameAverageLightLevel != 400 {
		t.Errorf("got %+v", c.hdrCLL)
	}
}

func TestParseMetadataHDRMDCVFields(t *testing.T) {
	w := &bitWriter{}
	for i := 0; i < 3; i++ {
		w.writeBits(uint32(1000+i), 16)
		w.writeBits(uint32(2000+i), 16)
	}
	w.writeBits(15635, 16) // white point x
	w.writeBits(16450, 16) // white point y
	w.writeBits(10000000, 32)
	w.writeBits(1, 32)
	w.writeBit(true) // trailing_bits
	data := append([]byte{metaHDRMDCV}, w.bytes()...)

	c := NewContext()
	if err := c.parseMetadataOBU(bitreader.New(data)); err != nil {
		t.Fatalf("parseMetadataOBU: %v", err)
	}
	if c.hdrMDCV == nil {
		t.Fatal("hdrMDCV not set")
	}
	if c.hdrMDCV.MaxLuminance != 10000000 || c.hdrMDCV.MinLuminance != 1 {
		t.Errorf("luminance = %d/%d", c.hdrMDCV.MaxLuminance, c.hdrMDCV.MinLuminance)
	}
	if c.hdrMDCV.Primaries[0][0] != 1000 || c.hdrMDCV.Primaries[2][1] != 2002 {
		t.Errorf("primaries = %+v", c.hdrMDCV.Primaries)
	}
}

// TestParseMetadataITUT35Exact covers a country-code-extension payload:
// country_code 0xFF, extension 0x01, payload {0x12, 0x34, 0x56}.
func TestParseMetadataITUT35Exact(t *testing.T) {
	data := []byte{metaITUT35, 0xFF, 0x01, 0x12, 0x34, 0x56, 0x80}
	c := NewContext()
	if err := c.parseMetadataOBU(bitreader.New(data)); err != nil {
		t.Fatalf("parseMetadataOBU: %v", err)
	}
	if len(c.t35) != 1 {
		t.Fatalf("len(t35) = %d, want 1", len(c.t35))
	}
	got := c.t35[0]
	if got.CountryCode != 0xFF || got.CountryCodeExtension != 0x01 {
		t.Errorf("country code = %#x/%#x", got.CountryCode, got.CountryCodeExtension)
	}
	if !bytes.Equal(got.Payload, []byte{0x12, 0x34, 0x56}) {
		t.Errorf("payload = %x, want 123456", got.Payload)
	}
}

func TestParseMetadataITUT35NoExtensionByte(t *testing.T) {
	data := []byte{metaITUT35, 0x26, 0xaa, 0xbb, 0x80}
	c := NewContext()
	if err := c.parseMetadataOBU(bitreader.New(data)); err != nil {
		t.Fatalf("parseMetadataOBU: %v", err)
	}
	if len(c.t35) != 1 {
		t.Fatalf("len(t35) = %d, want 1", len(c.t35))
	}
	if c.t35[0].CountryCodeExtension != 0 {
		t.Errorf("unexpected extension byte %#x", c.t35[0].CountryCodeExtension)
	}
	if !bytes.Equal(c.t35[0].Payload, []byte{0xaa, 0xbb}) {
		t.Errorf("payload = %x", c.t35[0].Payload)
	}
}

func TestParseMetadataITUT35MalformedIsDroppedNotFatal(t *testing.T) {
	// Trailing byte is not 0x80: malformed message, logged and skipped.
	data := []byte{metaITUT35, 0x26, 0xaa, 0xbb, 0x7f}
	c := NewContext()
	if err := c.parseMetadataOBU(bitreader.New(data)); err != nil {
		t.Fatalf("malformed T.35 metadata must not fail the OBU parse: %v", err)
	}
	if len(c.t35) != 0 {
		t.Errorf("malformed message must not be appended, got %d entries", len(c.t35))
	}
}

func TestParseMetadataUnknownTypeIgnored(t *testing.T) {
	data := []byte{0xc8, 0x01} // leb128 for 200, > 31: logged but not an error
	c := NewContext()
	if err := c.parseMetadataOBU(bitreader.New(data)); err != nil {
		t.Fatalf("unknown metadata type must not error: %v", err)
	}
}
