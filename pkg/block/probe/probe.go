// Package probe detects the on-disk format of a block device from the magic values stored in its
// first blocks.
package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/thinkparq/fshost/pkg/block"
)

const (
	headerSize = 4096
	gptOffset  = 512
)

var (
	gptMagic     = []byte("EFI PART")
	fvmMagic     = []byte("FVM PART")
	minfsMagic   = []byte{0x21, 0x4d, 0x69, 0x6e, 0x46, 0x53, 0x21, 0x00, 0x04, 0xd3, 0xd3, 0xd3, 0xd3, 0x00, 0x50, 0x38}
	zxcryptMagic = []byte{0x5f, 0xe8, 0xf8, 0x00, 0xb3, 0x6d, 0x11, 0xe7, 0x80, 0x7a, 0x78, 0x63, 0x72, 0x79, 0x70, 0x74}
)

const (
	blobfsMagic0 uint64 = 0xac2153479e694d21
	blobfsMagic1 uint64 = 0x985000d4d4d3d314
)

// Sniffer implements block.Sniffer using magic numbers.
type Sniffer struct{}

var _ block.Sniffer = Sniffer{}

// DetectFormat reads the device header and returns the detected format. Devices that cannot be
// read are reported as block.FormatUnknown.
func (Sniffer) DetectFormat(r io.ReaderAt) block.DiskFormat {
	buf := make([]byte, headerSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return block.FormatUnknown
	}
	return Detect(buf[:n])
}

// Detect classifies an in-memory device header.
func Detect(header []byte) block.DiskFormat {
	switch {
	case hasPrefixAt(header, gptOffset, gptMagic):
		return block.FormatGPT
	case hasPrefixAt(header, 0, fvmMagic):
		return block.FormatFVM
	case hasPrefixAt(header, 0, minfsMagic):
		return block.FormatMinfs
	case isBlobfs(header):
		return block.FormatBlobfs
	case hasPrefixAt(header, 0, zxcryptMagic):
		return block.FormatZxcrypt
	}
	if len(header) >= 512 && header[510] == 0x55 && header[511] == 0xaa {
		// Both FAT boot sectors and MBRs carry the boot signature. FAT additionally stores the
		// extended boot signature at the FAT12/16 or FAT32 offset.
		if header[38] == 0x29 || header[66] == 0x29 {
			return block.FormatFAT
		}
		return block.FormatMBR
	}
	return block.FormatUnknown
}

func hasPrefixAt(buf []byte, offset int, magic []byte) bool {
	if len(buf) < offset+len(magic) {
		return false
	}
	return bytes.Equal(buf[offset:offset+len(magic)], magic)
}

func isBlobfs(buf []byte) bool {
	if len(buf) < 16 {
		return false
	}
	return binary.LittleEndian.Uint64(buf[0:8]) == blobfsMagic0 && binary.LittleEndian.Uint64(buf[8:16]) == blobfsMagic1
}
