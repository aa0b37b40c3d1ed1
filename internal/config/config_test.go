package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thinkparq/fshost/common/configmgr"
)

func testFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(configmgr.CfgFileFlag, "", "")
	flags.String("fshost.device-dir", "/dev/block", "")
	flags.String("fshost.fs-root", "/fs", "")
	flags.String("fshost.bin-dir", "/boot/bin", "")
	flags.String("fshost.pkgfs-path", "/pkgfs", "")
	flags.String("fshost.system-path", "/system", "")
	flags.Duration("fshost.ready-timeout", 5*time.Second, "")
	flags.StringSlice("appmgr.cmd", nil, "")
	return flags
}

func TestAppConfigFromFlags(t *testing.T) {
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--appmgr.cmd=/system/bin/appmgr,--verbose"}))
	mgr, err := configmgr.New(flags, "FSHOST_", &AppConfig{})
	require.NoError(t, err)
	cfg, ok := mgr.Get().(*AppConfig)
	require.True(t, ok)
	assert.Equal(t, "/dev/block", cfg.Fshost.DeviceDir)
	assert.Equal(t, 5*time.Second, cfg.Fshost.ReadyTimeout)
	assert.Equal(t, []string{"/system/bin/appmgr", "--verbose"}, cfg.Appmgr.Cmd)
}

func TestValidateConfig(t *testing.T) {
	cfg := &AppConfig{}
	err := cfg.ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fshost.device-dir")
	assert.Contains(t, err.Error(), "fshost.ready-timeout")

	cfg.Fshost = Fshost{DeviceDir: "/dev/block", FsRoot: "/fs", BinDir: "/boot/bin", PkgfsPath: "/pkgfs", SystemPath: "/system", ReadyTimeout: time.Second}
	assert.NoError(t, cfg.ValidateConfig())
}
