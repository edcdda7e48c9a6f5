package image

import (
	"encoding/binary"
	"fmt"
)

// WriteHeader stamps a valid image header and app descriptor into buf.
// buf must hold at least MinHeaderLen bytes. Used by fixture tooling and
// tests to produce images the validator accepts.
func WriteHeader(buf []byte, projectName, version string) error {
	if len(buf) < MinHeaderLen {
		return fmt.Errorf("buffer too short for image header: %d bytes, need %d", len(buf), MinHeaderLen)
	}
	if len(projectName) >= fieldLen {
		return fmt.Errorf("project name too long: %d bytes, max %d", len(projectName), fieldLen-1)
	}
	if len(version) >= fieldLen {
		return fmt.Errorf("version too long: %d bytes, max %d", len(version), fieldLen-1)
	}

	buf[0] = Magic
	binary.LittleEndian.PutUint32(buf[DescOffset:], DescMagic)

	ver := buf[DescOffset+versionOffset : DescOffset+versionOffset+fieldLen]
	clear(ver)
	copy(ver, version)

	name := buf[DescOffset+projectNameOffset : DescOffset+projectNameOffset+fieldLen]
	clear(name)
	copy(name, projectName)

	return nil
}
