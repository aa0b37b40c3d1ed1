//go:build !linux

package sysfs

import (
	"os"

	"github.com/thinkparq/fshost/pkg/block"
)

func rescanPartitions(f *os.File) error {
	return block.ErrUnsupportedDriver
}
