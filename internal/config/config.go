package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/thinkparq/fshost/common/configmgr"
	"github.com/thinkparq/fshost/common/logger"
	"github.com/thinkparq/fshost/internal/server"
)

type AppConfig struct {
	Log       logger.Config `mapstructure:"log"`
	Fshost    Fshost        `mapstructure:"fshost"`
	Server    server.Config `mapstructure:"server"`
	Appmgr    Appmgr        `mapstructure:"appmgr"`
	Developer struct {
		DumpConfig bool `mapstructure:"dump-config"`
	}
}

type Fshost struct {
	DeviceDir  string `mapstructure:"device-dir"`
	BootConfig string `mapstructure:"boot-config"`
	// FsRoot holds the role mount points (system, data, install, blob, volume).
	FsRoot string `mapstructure:"fs-root"`
	BinDir string `mapstructure:"bin-dir"`
	// SecondaryBootfs is a directory whose presence means /system is already served.
	SecondaryBootfs string        `mapstructure:"secondary-bootfs"`
	PkgfsPath       string        `mapstructure:"pkgfs-path"`
	SystemPath      string        `mapstructure:"system-path"`
	ReadyTimeout    time.Duration `mapstructure:"ready-timeout"`
}

type Appmgr struct {
	Cmd []string `mapstructure:"cmd"`
}

func (c *AppConfig) NewEmptyInstance() configmgr.Configurable {
	return new(AppConfig)
}

func (c *AppConfig) ValidateConfig() error {
	var errs []error
	for name, value := range map[string]string{
		"fshost.device-dir":  c.Fshost.DeviceDir,
		"fshost.fs-root":     c.Fshost.FsRoot,
		"fshost.bin-dir":     c.Fshost.BinDir,
		"fshost.pkgfs-path":  c.Fshost.PkgfsPath,
		"fshost.system-path": c.Fshost.SystemPath,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s must be set", name))
		}
	}
	if c.Fshost.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fshost.ready-timeout must be positive (got %s)", c.Fshost.ReadyTimeout))
	}
	return errors.Join(errs...)
}
