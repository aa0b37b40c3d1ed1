// Package block defines the block device descriptor consumed by the fshost classifier together with
// the on-disk formats and partition type identifiers it understands.
package block

import (
	"errors"
	"io"
	"os"

	"github.com/google/uuid"
)

var (
	ErrUnsupportedDriver = errors.New("driver binding not supported")
	ErrNoTypeGUID        = errors.New("device has no partition type GUID")
)

// Info is the subset of block device information relevant for classification.
type Info struct {
	BlockSize  uint32
	BlockCount uint64
	Removable  bool
	// BootPart is set for devices exposing a bootloader partition table.
	BootPart bool
}

// Device is an open block device. A Device obtained from an Opener is owned by the caller and must
// be closed on every path that does not hand it to a mount. Close must be safe to call more than
// once so ownership can be transferred without bookkeeping at the call site.
type Device interface {
	io.ReaderAt
	// Name is the entry name inside the watched device directory.
	Name() string
	// Path is the full path of the device used for diagnostics and fsck.
	Path() string
	Info() (Info, error)
	// TypeGUID returns the partition type GUID. Devices without one return uuid.Nil and
	// ErrNoTypeGUID.
	TypeGUID() (uuid.UUID, error)
	// BindDriver asks the platform to publish the children of a partition container. Children
	// arrive later as new devices.
	BindDriver(driver Driver) error
	// File returns the underlying descriptor passed to filesystem servers. It may be nil for
	// devices that are not backed by a file.
	File() *os.File
	Close() error
}

// Opener opens devices by their entry name in the watched device directory.
type Opener interface {
	Open(name string) (Device, error)
}

// Driver identifies a partition container driver.
type Driver string

const (
	DriverBootPart Driver = "bootpart"
	DriverGPT      Driver = "gpt"
	DriverFVM      Driver = "fvm"
	DriverMBR      Driver = "mbr"
	DriverZxcrypt  Driver = "zxcrypt"
)
