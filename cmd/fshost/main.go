package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/thinkparq/fshost/common/configmgr"
	"github.com/thinkparq/fshost/common/logger"
	"github.com/thinkparq/fshost/internal/config"
	"github.com/thinkparq/fshost/internal/server"
	"github.com/thinkparq/fshost/pkg/appmgr"
	"github.com/thinkparq/fshost/pkg/block/probe"
	"github.com/thinkparq/fshost/pkg/block/sysfs"
	"github.com/thinkparq/fshost/pkg/bootcfg"
	"github.com/thinkparq/fshost/pkg/fshost"
	"github.com/thinkparq/fshost/pkg/fsmgmt"
	"github.com/thinkparq/fshost/pkg/manifest"
	"github.com/thinkparq/fshost/pkg/namespace"
	"github.com/thinkparq/fshost/pkg/pkgfs"
	"github.com/thinkparq/fshost/pkg/process"
	"github.com/thinkparq/fshost/pkg/watcher"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	envVarPrefix = "FSHOST_"
)

// Set by the build process using ldflags.
var (
	binaryName = "unknown"
	version    = "unknown"
	commit     = "unknown"
	buildTime  = "unknown"
)

func main() {
	pflag.Bool("version", false, "Print the version then exit.")
	pflag.String(configmgr.CfgFileFlag, "/etc/fshost/fshost.toml", "The path to a configuration file (can be omitted to set all configuration using flags and/or environment variables).")
	pflag.String("log.type", "stderr", "Where log messages should be sent ('stderr', 'stdout', 'logfile').")
	pflag.String("log.file", "/var/log/fshost.log", "The path to the desired log file when log.type is 'logfile' (if needed the directory and all parent directories will be created).")
	pflag.Int8("log.level", 3, "Adjust the logging level (0=Fatal, 1=Error, 2=Warn, 3=Info, 4+5=Debug).")
	pflag.Int("log.max-size", 100, "When log.type is 'logfile' the maximum size of the log.file in megabytes before it is rotated.")
	pflag.Int("log.num-rotated-files", 5, "When log.type is 'logfile' the maximum number old log.file(s) to keep when log.max-size is reached and the log is rotated.")
	pflag.Bool("log.developer", false, "Enable developer logging including stack traces and setting the equivalent of log.level=5 and log.type=stdout (all other log settings are ignored).")
	pflag.String("fshost.device-dir", "/dev/block", "The directory watched for block devices.")
	pflag.String("fshost.boot-config", "/boot/config/fshost", "The read-only boot configuration (key=value assignments, including the blob manifest).")
	pflag.String("fshost.fs-root", "/fs", "The directory holding the system, data, install, blob and volume mount points.")
	pflag.String("fshost.bin-dir", "/boot/bin", "The directory containing the blobfs, minfs and fat filesystem servers.")
	pflag.String("fshost.secondary-bootfs", "", "A directory whose presence means a secondary boot filesystem already provides /system.")
	pflag.String("fshost.pkgfs-path", pkgfs.DefaultPkgfsPath, "Where the package filesystem root is installed.")
	pflag.String("fshost.system-path", pkgfs.DefaultSystemPath, "Where the package filesystem system directory is installed.")
	pflag.Duration("fshost.ready-timeout", pkgfs.DefaultReadyTimeout, "How long to wait for the package filesystem to signal readiness.")
	pflag.StringSlice("appmgr.cmd", nil, "Command launched once the system directory is available (comma separated argv). When empty the start signal is only logged.")
	pflag.String("server.address", "", "The hostname:port serving /metrics and /status. Disabled when empty.")
	pflag.Bool("developer.dump-config", false, "Dump the full configuration and immediately exit.")
	pflag.CommandLine.MarkHidden("developer.dump-config")
	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		pflag.PrintDefaults()
		helpText := `
Further info:
	Configuration may be set using a mix of flags, environment variables, and values from a TOML configuration file.
	Configuration will be merged using the following precedence order (highest->lowest): (1) flags (2) environment variables (3) configuration file (4) defaults.
Using environment variables:
	To specify configuration using environment variables specify %sKEY=VALUE where KEY is the flag name you want to specify in all capitals replacing dots (.) with a double underscore (__) and hyphens (-) with an underscore (_).
	Examples:
	export %sFSHOST__DEVICE_DIR=/dev/disk/by-path
`
		fmt.Fprintf(os.Stderr, helpText, envVarPrefix, envVarPrefix)
		os.Exit(0)
	}
	pflag.Parse()

	if printVersion, _ := pflag.CommandLine.GetBool("version"); printVersion {
		fmt.Printf("%s %s (commit: %s, built: %s)\n", binaryName, version, commit, buildTime)
		os.Exit(0)
	}

	cfgMgr, err := configmgr.New(pflag.CommandLine, envVarPrefix, &config.AppConfig{})
	if err != nil {
		log.Fatalf("unable to get initial configuration: %s", err)
	}
	c := cfgMgr.Get()
	initialCfg, ok := c.(*config.AppConfig)
	if !ok {
		log.Fatalf("configuration manager returned invalid configuration (expected fshost application configuration)")
	}
	if initialCfg.Developer.DumpConfig {
		fmt.Printf("Dumping AppConfig and exiting...\n\n")
		fmt.Printf("%+v\n", initialCfg)
		os.Exit(0)
	}

	logger, err := logger.New(initialCfg.Log)
	if err != nil {
		log.Fatalf("unable to initialize logger: %s", err)
	}
	defer logger.Sync()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	osFS := afero.NewOsFs()
	cfg := initialCfg.Fshost
	boot, err := bootcfg.FromDisk(osFS, cfg.BootConfig)
	if err != nil {
		logger.Error("unable to parse boot configuration, continuing with defaults", zap.String("path", cfg.BootConfig), zap.Error(err))
		boot = bootcfg.New(nil)
	}
	secondaryBootfs := false
	if cfg.SecondaryBootfs != "" {
		secondaryBootfs, _ = afero.DirExists(osFS, cfg.SecondaryBootfs)
	}
	blobManifest, err := manifest.FromBootConfig(boot)
	if err != nil {
		logger.Warn("ignoring invalid manifest entries", zap.Error(err))
	}

	paths := fshost.PathsUnder(cfg.FsRoot)
	spawner := process.NewSpawner(logger.Logger)
	starter := appmgr.NewStarter(logger.Logger, spawner, initialCfg.Appmgr.Cmd)

	pkgfsCfg, err := pkgfs.ConfigFromBoot(boot, cfg.FsRoot)
	if err != nil {
		logger.Error("ignoring invalid pkgfs command line", zap.Error(err))
	}
	pkgfsCfg.PkgfsPath = cfg.PkgfsPath
	pkgfsCfg.SystemPath = cfg.SystemPath
	pkgfsCfg.ReadyTimeout = cfg.ReadyTimeout
	bootstrapper := pkgfs.New(logger.Logger, pkgfsCfg, blobManifest, afero.NewBasePathFs(osFS, paths.Blob),
		spawner, namespace.NewBindInstaller(logger.Logger), starter, secondaryBootfs)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	orchestrator := fshost.NewOrchestrator(logger.Logger, paths, fshost.PolicyFromBoot(boot, secondaryBootfs),
		fsmgmt.New(logger.Logger, osFS, cfg.BinDir),
		fshost.Launchers{
			Blobfs: fsmgmt.NewLauncher(spawner, fsmgmt.LauncherBlobfs),
			Minfs:  fsmgmt.NewLauncher(spawner, fsmgmt.LauncherMinfs),
			Fatfs:  fsmgmt.NewLauncher(spawner, fsmgmt.LauncherFatfs),
			Fsck:   fsmgmt.NewLauncher(spawner, fsmgmt.LauncherFsck),
		},
		bootstrapper, starter, fshost.WithMetrics(fshost.NewMetrics(registry)))
	classifier := fshost.NewClassifier(logger.Logger, sysfs.NewOpener(cfg.DeviceDir, osFS), probe.Sniffer{}, orchestrator)
	logger.Info("starting fshost", zap.String("deviceDir", cfg.DeviceDir), zap.Stringer("pkgfsStrategy", bootstrapper.Strategy()),
		zap.Int("manifestEntries", blobManifest.Len()))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := watcher.New(logger.Logger, osFS, cfg.DeviceDir).Run(gCtx, classifier.OnDeviceAdded)
		// Filesystem servers stay attached to this process, keep running until shutdown.
		<-gCtx.Done()
		return err
	})
	if initialCfg.Server.Address != "" {
		srv := server.New(logger.Logger, initialCfg.Server, registry, func() any {
			return map[string]any{
				"roles":  orchestrator.Roles(),
				"pkgfs":  bootstrapper.State().String(),
				"system": starter.Started(),
			}
		})
		g.Go(func() error { return srv.Serve(gCtx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("component terminated unexpectedly", zap.Error(err))
	} else {
		logger.Info("shutdown signal received")
	}
	logger.Info("shutdown all components, exiting")
}
