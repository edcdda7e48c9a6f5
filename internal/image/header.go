package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Firmware image layout constants (ESP32-style app image).
//
// The image starts with a 24-byte image header and an 8-byte segment header,
// followed by the application descriptor. The descriptor embeds the project
// identity used to refuse images built for a different device.
const (
	// Magic is the first byte of every valid app image
	Magic = 0xE9

	// DescOffset is where the app descriptor starts within the image
	DescOffset = 32

	// DescMagic is the magic word at the start of the app descriptor
	DescMagic = 0xABCD5432

	// descriptor field offsets, relative to DescOffset
	versionOffset     = 16
	projectNameOffset = 48
	fieldLen          = 32

	// MinHeaderLen is the fewest bytes that cover the image header plus the
	// descriptor fields we validate. Callers buffer at least this much
	// before validation.
	MinHeaderLen = DescOffset + 256
)

// Header holds the fields extracted from a firmware image prefix.
type Header struct {
	// ProjectName is the identity embedded at build time
	ProjectName string

	// Version is the embedded semantic version string
	Version string
}

// ParseHeader validates the image prefix and extracts the app descriptor.
// data must hold at least MinHeaderLen bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < MinHeaderLen {
		return nil, fmt.Errorf("image prefix too short: %d bytes, need %d", len(data), MinHeaderLen)
	}

	if data[0] != Magic {
		return nil, fmt.Errorf("bad image magic: 0x%02x, want 0x%02x", data[0], Magic)
	}

	descMagic := binary.LittleEndian.Uint32(data[DescOffset:])
	if descMagic != DescMagic {
		return nil, fmt.Errorf("bad app descriptor magic: 0x%08x, want 0x%08x", descMagic, uint32(DescMagic))
	}

	return &Header{
		ProjectName: cString(data[DescOffset+projectNameOffset : DescOffset+projectNameOffset+fieldLen]),
		Version:     cString(data[DescOffset+versionOffset : DescOffset+versionOffset+fieldLen]),
	}, nil
}

// cString trims a fixed-width NUL-padded field.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
