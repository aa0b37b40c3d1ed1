// Package fsmgmt provides the generic mount and fsck entry points. Both launch a filesystem server
// binary through a Launcher with the device passed as a handle.
package fsmgmt

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/thinkparq/fshost/pkg/block"
	"github.com/thinkparq/fshost/pkg/process"
	"go.uber.org/zap"
)

// MountOptions are passed unchanged from the orchestrator to Mount.
type MountOptions struct {
	Readonly bool
	// WaitUntilReady blocks Mount until the server signals readiness.
	WaitUntilReady   bool
	CreateMountpoint bool
}

// DefaultMountOptions matches the options used when a caller has no specific requirements.
func DefaultMountOptions() MountOptions {
	return MountOptions{WaitUntilReady: true}
}

// Launcher spawns a filesystem server. Implementations exist per filesystem kind so each can be
// named and substituted independently.
type Launcher interface {
	Launch(ctx context.Context, argv []string, handles []process.Handle) (process.Process, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, argv []string, handles []process.Handle) (process.Process, error)

func (f LauncherFunc) Launch(ctx context.Context, argv []string, handles []process.Handle) (process.Process, error) {
	return f(ctx, argv, handles)
}

// Names of the launchers used by fshost.
const (
	LauncherBlobfs = "blobfs:/blob"
	LauncherMinfs  = "minfs:/data"
	LauncherFatfs  = "fatfs:/volume"
	LauncherFsck   = "fsck"
)

type spawnLauncher struct {
	name    string
	spawner process.Spawner
}

// NewLauncher returns a Launcher that spawns processes using spawner under the given name.
func NewLauncher(spawner process.Spawner, name string) Launcher {
	return &spawnLauncher{name: name, spawner: spawner}
}

func (l *spawnLauncher) Launch(ctx context.Context, argv []string, handles []process.Handle) (process.Process, error) {
	return l.spawner.Spawn(ctx, process.Spec{
		Name:    l.name,
		Argv:    argv,
		Handles: handles,
	})
}

type Manager struct {
	log    *zap.Logger
	fs     afero.Fs
	binDir string
}

// New returns a Manager that runs the filesystem binaries found in binDir. Mount points are created
// through fs.
func New(log *zap.Logger, fs afero.Fs, binDir string) *Manager {
	return &Manager{
		log:    log.With(zap.String("component", "fsmgmt")),
		fs:     fs,
		binDir: binDir,
	}
}

// Binary returns the server binary for a filesystem format.
func (m *Manager) Binary(format block.DiskFormat) (string, error) {
	switch format {
	case block.FormatBlobfs, block.FormatMinfs, block.FormatFAT:
		return filepath.Join(m.binDir, format.String()), nil
	default:
		return "", fmt.Errorf("no filesystem server for format %s", format)
	}
}

// Mount serves dev at path. The device is consumed on every path: its descriptor is either handed
// to the server or closed.
func (m *Manager) Mount(ctx context.Context, dev block.Device, path string, format block.DiskFormat, opts MountOptions, launcher Launcher) error {
	defer dev.Close()
	bin, err := m.Binary(format)
	if err != nil {
		return err
	}
	if opts.CreateMountpoint {
		if err := m.fs.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("unable to create mount point %s: %w", path, err)
		}
	}

	argv := []string{bin}
	if opts.Readonly {
		argv = append(argv, "--readonly")
	}
	argv = append(argv, "mount", path)

	var handles []process.Handle
	if f := dev.File(); f != nil {
		handles = append(handles, process.Handle{ID: process.HandleBlockDevice, File: f})
	}
	m.log.Info("mounting", zap.String("device", dev.Path()), zap.String("path", path), zap.Stringer("format", format), zap.Any("options", opts))
	p, err := launcher.Launch(ctx, argv, handles)
	if err != nil {
		return fmt.Errorf("unable to launch %s: %w", bin, err)
	}
	if !opts.WaitUntilReady {
		return nil
	}
	observed, err := p.WaitReady(ctx)
	if err != nil {
		return fmt.Errorf("waiting for %s to become ready: %w", bin, err)
	}
	if !observed.Has(process.Ready) {
		code, _ := p.Wait(ctx)
		return fmt.Errorf("%s exited with status %d before becoming ready", bin, code)
	}
	return nil
}

// Fsck runs the checker for format against the device at devicePath and blocks until it
// terminates. A nonzero exit status is returned as an error.
func (m *Manager) Fsck(ctx context.Context, devicePath string, format block.DiskFormat, launcher Launcher) error {
	bin, err := m.Binary(format)
	if err != nil {
		return err
	}
	p, err := launcher.Launch(ctx, []string{bin, "fsck", devicePath}, nil)
	if err != nil {
		return fmt.Errorf("unable to launch %s: %w", bin, err)
	}
	code, err := p.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", bin, err)
	}
	if code != 0 {
		return fmt.Errorf("%s fsck %s exited with status %d", bin, devicePath, code)
	}
	return nil
}
