package block

import (
	"io"
	"strings"
)

// DiskFormat is the on-disk format detected on a device.
type DiskFormat int

const (
	FormatUnknown DiskFormat = iota
	FormatGPT
	FormatFVM
	FormatMBR
	FormatZxcrypt
	FormatBlobfs
	FormatMinfs
	FormatFAT
)

func (f DiskFormat) String() string {
	switch f {
	case FormatGPT:
		return "gpt"
	case FormatFVM:
		return "fvm"
	case FormatMBR:
		return "mbr"
	case FormatZxcrypt:
		return "zxcrypt"
	case FormatBlobfs:
		return "blobfs"
	case FormatMinfs:
		return "minfs"
	case FormatFAT:
		return "fat"
	default:
		return "unknown"
	}
}

// FormatFromString is the inverse of DiskFormat.String. Unrecognized strings map to FormatUnknown.
func FormatFromString(s string) DiskFormat {
	switch strings.ToLower(s) {
	case "gpt":
		return FormatGPT
	case "fvm":
		return FormatFVM
	case "mbr":
		return FormatMBR
	case "zxcrypt":
		return FormatZxcrypt
	case "blobfs":
		return FormatBlobfs
	case "minfs":
		return FormatMinfs
	case "fat", "vfat":
		return FormatFAT
	default:
		return FormatUnknown
	}
}

// Container reports the partition container driver for formats that hold other partitions.
func (f DiskFormat) Container() (Driver, bool) {
	switch f {
	case FormatGPT:
		return DriverGPT, true
	case FormatFVM:
		return DriverFVM, true
	case FormatMBR:
		return DriverMBR, true
	case FormatZxcrypt:
		return DriverZxcrypt, true
	default:
		return "", false
	}
}

// Sniffer detects the format of a device from its contents.
type Sniffer interface {
	DetectFormat(r io.ReaderAt) DiskFormat
}

// SnifferFunc adapts a function to the Sniffer interface.
type SnifferFunc func(r io.ReaderAt) DiskFormat

func (f SnifferFunc) DetectFormat(r io.ReaderAt) DiskFormat {
	return f(r)
}
