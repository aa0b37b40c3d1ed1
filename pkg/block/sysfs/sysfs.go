// Package sysfs opens Linux block devices and answers classification queries from sysfs and the
// udev database.
package sysfs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/thinkparq/fshost/pkg/block"
)

const (
	classBlockDir = "/sys/class/block"
	udevDataDir   = "/run/udev/data"
	partTypeKey   = "E:ID_PART_ENTRY_TYPE="
)

// Opener opens devices found in a device directory. Sysfs and the udev database are read through
// fs so they can be substituted in tests.
type Opener struct {
	devDir string
	fs     afero.Fs
}

var _ block.Opener = &Opener{}

func NewOpener(devDir string, fs afero.Fs) *Opener {
	return &Opener{devDir: devDir, fs: fs}
}

// Open opens the device for read/write. Entries may be symlinks (for example /dev/block/8:1), the
// kernel name used for sysfs lookups is taken from the link target.
func (o *Opener) Open(name string) (block.Device, error) {
	devPath := filepath.Join(o.devDir, name)
	target, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve %s: %w", devPath, err)
	}
	f, err := os.OpenFile(target, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &device{
		name:  name,
		path:  devPath,
		kname: filepath.Base(target),
		file:  f,
		fs:    o.fs,
	}, nil
}

type device struct {
	name  string
	path  string
	kname string
	file  *os.File
	fs    afero.Fs
	once  sync.Once
}

func (d *device) Name() string   { return d.name }
func (d *device) Path() string   { return d.path }
func (d *device) File() *os.File { return d.file }

func (d *device) ReadAt(p []byte, off int64) (int, error) { return d.file.ReadAt(p, off) }

func (d *device) Close() error {
	var err error
	d.once.Do(func() {
		err = d.file.Close()
	})
	return err
}

func (d *device) Info() (block.Info, error) {
	return readInfo(d.fs, d.kname)
}

func (d *device) TypeGUID() (uuid.UUID, error) {
	return readTypeGUID(d.fs, d.kname)
}

func (d *device) BindDriver(driver block.Driver) error {
	switch driver {
	case block.DriverGPT, block.DriverMBR, block.DriverBootPart:
		return rescanPartitions(d.file)
	default:
		return fmt.Errorf("%s: %w", driver, block.ErrUnsupportedDriver)
	}
}

func readInfo(fs afero.Fs, kname string) (block.Info, error) {
	var info block.Info
	removable, err := readAttr(fs, kname, "removable")
	if err != nil {
		return info, err
	}
	info.Removable = removable == "1"
	if sectors, err := readAttr(fs, kname, "size"); err == nil {
		// The size attribute is always in 512 byte units regardless of the logical block size.
		n, _ := strconv.ParseUint(sectors, 10, 64)
		info.BlockSize = 512
		if lbs, err := readAttr(fs, kname, "queue/logical_block_size"); err == nil {
			if v, err := strconv.ParseUint(lbs, 10, 32); err == nil && v > 0 {
				info.BlockSize = uint32(v)
			}
		}
		info.BlockCount = n * 512 / uint64(info.BlockSize)
	}
	return info, nil
}

// readAttr reads a sysfs attribute of the device, falling back to the parent disk for attributes
// such as removable that partitions do not carry.
func readAttr(fs afero.Fs, kname, attr string) (string, error) {
	candidates := []string{
		path.Join(classBlockDir, kname, attr),
		// Not path.Join: the kernel must resolve ".." after following the class symlink.
		classBlockDir + "/" + kname + "/../" + attr,
	}
	var lastErr error
	for _, c := range candidates {
		data, err := afero.ReadFile(fs, c)
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
		lastErr = err
	}
	return "", lastErr
}

func readTypeGUID(fs afero.Fs, kname string) (uuid.UUID, error) {
	devNum, err := afero.ReadFile(fs, path.Join(classBlockDir, kname, "dev"))
	if err != nil {
		return uuid.Nil, err
	}
	f, err := fs.Open(path.Join(udevDataDir, "b"+strings.TrimSpace(string(devNum))))
	if err != nil {
		return uuid.Nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), partTypeKey); ok {
			return uuid.Parse(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return uuid.Nil, err
	}
	return uuid.Nil, block.ErrNoTypeGUID
}
