// Package blocktest provides an in-memory block.Device for tests.
package blocktest

import (
	"bytes"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/thinkparq/fshost/pkg/block"
)

// Device is a fake block.Device. Zero values are usable, a nil TypeGUID reports
// block.ErrNoTypeGUID.
type Device struct {
	DevName  string
	DevPath  string
	Contents []byte
	GUID     *uuid.UUID
	DevInfo  block.Info
	InfoErr  error
	BindErr  error
	// Backing is returned by File. It is closed when the device is closed.
	Backing *os.File

	mu     sync.Mutex
	closed int
	bound  []block.Driver
}

var _ block.Device = &Device{}

// New returns a device with the given name whose path is /dev/class/block/<name>.
func New(name string, guid uuid.UUID, contents []byte) *Device {
	return &Device{
		DevName:  name,
		DevPath:  "/dev/class/block/" + name,
		Contents: contents,
		GUID:     &guid,
	}
}

func (d *Device) Name() string { return d.DevName }
func (d *Device) Path() string { return d.DevPath }

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(d.Contents).ReadAt(p, off)
}

func (d *Device) Info() (block.Info, error) {
	return d.DevInfo, d.InfoErr
}

func (d *Device) TypeGUID() (uuid.UUID, error) {
	if d.GUID == nil {
		return uuid.Nil, block.ErrNoTypeGUID
	}
	return *d.GUID, nil
}

func (d *Device) BindDriver(driver block.Driver) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bound = append(d.bound, driver)
	return d.BindErr
}

func (d *Device) File() *os.File { return d.Backing }

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	if d.closed == 1 && d.Backing != nil {
		return d.Backing.Close()
	}
	return nil
}

// Closed reports whether Close was called at least once.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed > 0
}

// Bound returns the drivers passed to BindDriver.
func (d *Device) Bound() []block.Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]block.Driver(nil), d.bound...)
}
