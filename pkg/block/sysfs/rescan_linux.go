package sysfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// rescanPartitions asks the kernel to re-read the partition table. New partitions show up as new
// entries in the device directory.
func rescanPartitions(f *os.File) error {
	return unix.IoctlSetInt(int(f.Fd()), unix.BLKRRPART, 0)
}
