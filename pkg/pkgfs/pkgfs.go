// Package pkgfs bootstraps the package filesystem out of the blob store. The server binary and its
// libraries are resolved through a loader service backed by the manifest, since no general
// filesystem exists yet. Once the server signals readiness its root is installed at /pkgfs and its
// system subdirectory at /system, after which the system start signal fires.
package pkgfs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/afero"
	"github.com/thinkparq/fshost/pkg/bootcfg"
	"github.com/thinkparq/fshost/pkg/loader"
	"github.com/thinkparq/fshost/pkg/manifest"
	"github.com/thinkparq/fshost/pkg/namespace"
	"github.com/thinkparq/fshost/pkg/process"
	"go.uber.org/zap"
)

const (
	DefaultReadyTimeout = 5 * time.Second
	DefaultPkgfsPath    = "/pkgfs"
	DefaultSystemPath   = "/system"
)

// Strategy selects how pkgfs is launched. It is chosen once when the Bootstrapper is created.
type Strategy int

const (
	StrategyNone Strategy = iota
	// StrategyCmdline launches a full command line resolved through the loader service.
	StrategyCmdline
	// StrategyLegacyBlobInit launches a single binary with at most one argument.
	//
	// Deprecated: only used when no command line is configured. Remove once all boot
	// configurations set system.pkgfs.cmd.
	StrategyLegacyBlobInit
)

func (s Strategy) String() string {
	switch s {
	case StrategyCmdline:
		return "cmdline"
	case StrategyLegacyBlobInit:
		return "legacy-blob-init"
	default:
		return "none"
	}
}

// State is the lifecycle state of a bootstrap attempt.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateAwaitingReady
	StateReady
	StateInstalled
	StateTimedOut
	StateTerminatedPrematurely
	StateLaunchFailed
	StateInstallFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateReady:
		return "ready"
	case StateInstalled:
		return "installed"
	case StateTimedOut:
		return "timed-out"
	case StateTerminatedPrematurely:
		return "terminated-prematurely"
	case StateLaunchFailed:
		return "launch-failed"
	case StateInstallFailed:
		return "install-failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	Cmdline     []string
	BlobInit    string
	BlobInitArg *string
	// FsRoot prefixes the legacy blob-init path.
	FsRoot       string
	PkgfsPath    string
	SystemPath   string
	ReadyTimeout time.Duration
}

// ConfigFromBoot extracts the launch configuration from the boot configuration.
func ConfigFromBoot(boot *bootcfg.Config, fsRoot string) (Config, error) {
	cfg := Config{
		FsRoot:       fsRoot,
		PkgfsPath:    DefaultPkgfsPath,
		SystemPath:   DefaultSystemPath,
		ReadyTimeout: DefaultReadyTimeout,
	}
	if cmd, ok := boot.Get(bootcfg.KeyPkgfsCmd); ok {
		argv, err := shlex.Split(cmd)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", bootcfg.KeyPkgfsCmd, err)
		}
		cfg.Cmdline = argv
	}
	cfg.BlobInit, _ = boot.Get(bootcfg.KeyBlobInit)
	if arg, ok := boot.Get(bootcfg.KeyBlobInitArg); ok {
		cfg.BlobInitArg = &arg
	}
	return cfg, nil
}

// Starter receives the system start signal.
type Starter interface {
	Start(ctx context.Context)
}

type Bootstrapper struct {
	log       *zap.Logger
	cfg       Config
	strategy  Strategy
	manifest  manifest.Manifest
	blobs     afero.Fs
	spawner   process.Spawner
	installer namespace.Installer
	starter   Starter
	launched  sync.Once
	mu        sync.Mutex
	state     State
}

// New selects the launch strategy. The legacy strategy is only selected when no command line is
// configured and secondaryBootfs reports that no secondary boot filesystem provides /system.
func New(log *zap.Logger, cfg Config, m manifest.Manifest, blobs afero.Fs, spawner process.Spawner, installer namespace.Installer, starter Starter, secondaryBootfs bool) *Bootstrapper {
	log = log.With(zap.String("component", "pkgfs"))
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.PkgfsPath == "" {
		cfg.PkgfsPath = DefaultPkgfsPath
	}
	if cfg.SystemPath == "" {
		cfg.SystemPath = DefaultSystemPath
	}
	strategy := StrategyNone
	switch {
	case len(cfg.Cmdline) > 0:
		strategy = StrategyCmdline
	case cfg.BlobInit != "" && secondaryBootfs:
		log.Info(bootcfg.KeyBlobInit + " ignored due to secondary bootfs")
	case cfg.BlobInit != "":
		strategy = StrategyLegacyBlobInit
		log.Warn(bootcfg.KeyBlobInit+" is deprecated, use "+bootcfg.KeyPkgfsCmd, zap.String("blobInit", cfg.BlobInit))
	}
	return &Bootstrapper{
		log:       log,
		cfg:       cfg,
		strategy:  strategy,
		manifest:  m,
		blobs:     blobs,
		spawner:   spawner,
		installer: installer,
		starter:   starter,
	}
}

func (b *Bootstrapper) Strategy() Strategy {
	return b.strategy
}

func (b *Bootstrapper) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bootstrapper) setState(s State) {
	b.mu.Lock()
	old := b.state
	b.state = s
	b.mu.Unlock()
	b.log.Debug("state update", zap.Stringer("oldState", old), zap.Stringer("newState", s))
}

// Launch runs the bootstrap to completion or to the readiness deadline. It is called once the blob
// store is mounted, later calls return ErrAlreadyLaunched.
func (b *Bootstrapper) Launch(ctx context.Context) error {
	err := ErrAlreadyLaunched
	b.launched.Do(func() {
		err = b.launch(ctx)
	})
	return err
}

func (b *Bootstrapper) launch(ctx context.Context) error {
	var p process.Process
	var req *namespace.Request
	var err error
	switch b.strategy {
	case StrategyCmdline:
		p, req, err = b.launchCmdline(ctx)
	case StrategyLegacyBlobInit:
		p, req, err = b.launchLegacy(ctx)
	default:
		b.log.Debug("no pkgfs launch configured")
		return ErrNotConfigured
	}
	if err != nil {
		b.setState(StateLaunchFailed)
		b.log.Error("failed to launch pkgfs", zap.Stringer("strategy", b.strategy), zap.Error(err))
		return err
	}
	defer req.Close()
	return b.finish(ctx, p, req)
}

func (b *Bootstrapper) launchCmdline(ctx context.Context) (process.Process, *namespace.Request, error) {
	b.setState(StateLaunching)
	svc := loader.NewService(b.log, b.manifest, b.blobs)
	exe, err := svc.LoadAbspath(b.cfg.Cmdline[0])
	if err != nil {
		svc.Close()
		return nil, nil, fmt.Errorf("%w: resolving %s: %w", ErrLaunchFailed, b.cfg.Cmdline[0], err)
	}
	defer exe.Close()
	exeFile, err := exe.OSFile()
	if err != nil {
		svc.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	local, remote, err := loader.NewChannel()
	if err != nil {
		svc.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	req, err := namespace.NewRequest()
	if err != nil {
		local.Close()
		remote.Close()
		svc.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	// The service outlives the launch. It is finalized when pkgfs closes its end of the channel.
	go func() {
		if err := svc.Serve(context.WithoutCancel(ctx), local); err != nil {
			b.log.Warn("pkgfs loader service stopped", zap.Error(err))
		}
	}()

	p, err := b.spawner.Spawn(ctx, process.Spec{
		Name: "pkgfs",
		Argv: b.cfg.Cmdline,
		// The executable is run from the open blob, it has no path in any filesystem.
		Path: fmt.Sprintf("/proc/self/fd/%d", exeFile.Fd()),
		Handles: []process.Handle{
			{ID: process.HandleLoaderService, File: remote},
			{ID: process.HandleDirectoryRequest, File: req.Remote()},
		},
	})
	if err != nil {
		req.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	b.log.Info("launched pkgfs", zap.Strings("argv", b.cfg.Cmdline), zap.String("blob", exe.BlobID), zap.Int("pid", p.Pid()))
	return p, req, nil
}

func (b *Bootstrapper) launchLegacy(ctx context.Context) (process.Process, *namespace.Request, error) {
	b.setState(StateLaunching)
	binary := filepath.Join(b.cfg.FsRoot, b.cfg.BlobInit)
	argv := []string{binary}
	if b.cfg.BlobInitArg != nil {
		argv = append(argv, *b.cfg.BlobInitArg)
	}
	req, err := namespace.NewRequest()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	p, err := b.spawner.Spawn(ctx, process.Spec{
		Name:    "pkgfs",
		Argv:    argv,
		Handles: []process.Handle{{ID: process.HandleDirectoryRequest, File: req.Remote()}},
	})
	if err != nil {
		req.Close()
		return nil, nil, fmt.Errorf("%w: '%s' failed to launch: %w", ErrLaunchFailed, b.cfg.BlobInit, err)
	}
	b.log.Info("launched pkgfs", zap.Strings("argv", argv), zap.Int("pid", p.Pid()))
	return p, req, nil
}

// finish waits for readiness and installs the served directories. Nothing is installed unless the
// process signalled readiness before the deadline.
func (b *Bootstrapper) finish(ctx context.Context, p process.Process, req *namespace.Request) error {
	b.setState(StateAwaitingReady)
	readyCtx, cancel := context.WithTimeout(ctx, b.cfg.ReadyTimeout)
	defer cancel()

	observed, err := p.WaitReady(readyCtx)
	if err != nil {
		b.setState(StateTimedOut)
		b.log.Error("pkgfs did not signal completion", zap.Duration("timeout", b.cfg.ReadyTimeout), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrReadinessTimeout, err)
	}
	if !observed.Has(process.Ready) {
		b.setState(StateTerminatedPrematurely)
		b.log.Error("pkgfs terminated prematurely")
		return ErrPrematureTermination
	}
	b.setState(StateReady)

	root, err := req.Receive(readyCtx)
	if err != nil {
		b.setState(StateInstallFailed)
		b.log.Error("pkgfs did not serve its root directory", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	// Install takes ownership of root, keep a second handle to reach the system subdirectory.
	rootClone, err := root.OpenAt(".")
	if err != nil {
		root.Close()
		b.setState(StateInstallFailed)
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	defer rootClone.Close()

	if err := b.installer.Install(b.cfg.PkgfsPath, root); err != nil {
		b.setState(StateInstallFailed)
		b.log.Error("failed to install "+b.cfg.PkgfsPath, zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrInstall, b.cfg.PkgfsPath, err)
	}
	system, err := rootClone.OpenAt("system")
	if err != nil {
		b.setState(StateInstallFailed)
		b.log.Error("unable to open pkgfs system directory", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	if err := b.installer.Install(b.cfg.SystemPath, system); err != nil {
		b.setState(StateInstallFailed)
		b.log.Error("failed to install "+b.cfg.SystemPath, zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrInstall, b.cfg.SystemPath, err)
	}
	b.setState(StateInstalled)
	b.log.Info("pkgfs installed", zap.String("pkgfs", b.cfg.PkgfsPath), zap.String("system", b.cfg.SystemPath))
	b.starter.Start(ctx)
	return nil
}
