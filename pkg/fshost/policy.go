package fshost

import (
	"path"

	"github.com/thinkparq/fshost/pkg/bootcfg"
)

// Paths are the fixed mount points.
type Paths struct {
	System  string
	Data    string
	Install string
	Blob    string
	Volume  string
}

// PathsUnder returns the standard mount points below root.
func PathsUnder(root string) Paths {
	return Paths{
		System:  path.Join(root, "system"),
		Data:    path.Join(root, "data"),
		Install: path.Join(root, "install"),
		Blob:    path.Join(root, "blob"),
		Volume:  path.Join(root, "volume"),
	}
}

// Policy is the subset of the boot configuration that drives mount decisions.
type Policy struct {
	Netboot         bool
	FilesystemCheck bool
	// Volume is the raw system.volume value, empty when unset.
	Volume   string
	Writable bool
	// BlobInit is set when the legacy blob-init override is configured.
	BlobInit bool
	// SecondaryBootfs is set when a secondary boot filesystem already serves /system.
	SecondaryBootfs bool
}

func PolicyFromBoot(boot *bootcfg.Config, secondaryBootfs bool) Policy {
	volume, _ := boot.Get(bootcfg.KeyVolume)
	return Policy{
		Netboot:         boot.Bool(bootcfg.KeyNetboot, false),
		FilesystemCheck: boot.Bool(bootcfg.KeyFilesystemCheck, false),
		Volume:          volume,
		Writable:        boot.Has(bootcfg.KeyWritable),
		BlobInit:        boot.Has(bootcfg.KeyBlobInit),
		SecondaryBootfs: secondaryBootfs,
	}
}
