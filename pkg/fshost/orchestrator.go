package fshost

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"

	"github.com/thinkparq/fshost/pkg/block"
	"github.com/thinkparq/fshost/pkg/bootcfg"
	"github.com/thinkparq/fshost/pkg/fsmgmt"
	"github.com/thinkparq/fshost/pkg/pkgfs"
	"go.uber.org/zap"
)

// Mounter is implemented by fsmgmt.Manager.
type Mounter interface {
	Mount(ctx context.Context, dev block.Device, path string, format block.DiskFormat, opts fsmgmt.MountOptions, launcher fsmgmt.Launcher) error
	Fsck(ctx context.Context, devicePath string, format block.DiskFormat, launcher fsmgmt.Launcher) error
}

// Launchers holds one launcher per filesystem kind.
type Launchers struct {
	Blobfs fsmgmt.Launcher
	Minfs  fsmgmt.Launcher
	Fatfs  fsmgmt.Launcher
	Fsck   fsmgmt.Launcher
}

// Bootstrapper is triggered once the blob store is mounted.
type Bootstrapper interface {
	Launch(ctx context.Context) error
}

// SystemStarter receives the system start signal after the system partition is mounted.
type SystemStarter interface {
	Start(ctx context.Context)
}

// Orchestrator applies the mount policy to classified devices. Every method consumes the device it
// is given: it is either handed to a filesystem server or closed.
type Orchestrator struct {
	log       *zap.Logger
	paths     Paths
	policy    Policy
	roles     *RoleTracker
	mounter   Mounter
	launchers Launchers
	bootstrap Bootstrapper
	starter   SystemStarter
	metrics   *Metrics
}

type OrchestratorOpt func(*Orchestrator)

func WithMetrics(m *Metrics) OrchestratorOpt {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithRoleTracker(t *RoleTracker) OrchestratorOpt {
	return func(o *Orchestrator) {
		o.roles = t
	}
}

func NewOrchestrator(log *zap.Logger, paths Paths, policy Policy, mounter Mounter, launchers Launchers, bootstrap Bootstrapper, starter SystemStarter, opts ...OrchestratorOpt) *Orchestrator {
	log = log.With(zap.String("component", path.Base(reflect.TypeOf(Orchestrator{}).PkgPath())))
	o := &Orchestrator{
		log:       log,
		paths:     paths,
		policy:    policy,
		roles:     &RoleTracker{},
		mounter:   mounter,
		launchers: launchers,
		bootstrap: bootstrap,
		starter:   starter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Roles returns a snapshot of the role state.
func (o *Orchestrator) Roles() RoleState {
	return o.roles.Snapshot()
}

// MountBlob mounts the blob store and triggers the package filesystem bootstrap the first time it
// succeeds. Additional blob devices are skipped.
func (o *Orchestrator) MountBlob(ctx context.Context, dev block.Device) error {
	defer dev.Close()
	if o.roles.Claimed(block.RoleBlob) {
		o.log.Info("blob partition already mounted, skipping", zap.String("device", dev.Path()))
		return fmt.Errorf("%s: %w", block.RoleBlob, ErrAlreadyBound)
	}
	if err := o.checkIntegrity(ctx, dev, block.FormatBlobfs); err != nil {
		return err
	}
	err := o.mounter.Mount(ctx, dev, o.paths.Blob, block.FormatBlobfs, fsmgmt.DefaultMountOptions(), o.launchers.Blobfs)
	o.metrics.mountResult(block.RoleBlob, err)
	if err != nil {
		o.log.Error("failed to mount blobfs partition", zap.String("device", dev.Path()), zap.String("path", o.paths.Blob), zap.Error(err))
		return err
	}
	if err := o.roles.Claim(block.RoleBlob); err != nil {
		return err
	}
	if err := o.bootstrap.Launch(ctx); err != nil {
		if errors.Is(err, pkgfs.ErrNotConfigured) {
			o.log.Debug("no package filesystem configured")
		} else {
			o.log.Warn("continuing without package filesystem", zap.Error(err))
		}
	}
	return nil
}

// MountMinfs routes a minfs device to the system, data or install role based on its type GUID.
func (o *Orchestrator) MountMinfs(ctx context.Context, dev block.Device) error {
	defer dev.Close()
	if err := o.checkIntegrity(ctx, dev, block.FormatMinfs); err != nil {
		return err
	}
	guid, err := dev.TypeGUID()
	if err != nil {
		return fmt.Errorf("%s: %w: %w", dev.Path(), ErrInvalidArgs, err)
	}
	switch block.RoleFor(block.FormatMinfs, guid) {
	case block.RoleSystem:
		return o.mountSystem(ctx, dev)
	case block.RoleData:
		if err := o.roles.Claim(block.RoleData); err != nil {
			return err
		}
		return o.mount(ctx, dev, block.RoleData, o.paths.Data, fsmgmt.MountOptions{WaitUntilReady: true})
	case block.RoleInstall:
		if err := o.roles.Claim(block.RoleInstall); err != nil {
			return err
		}
		return o.mount(ctx, dev, block.RoleInstall, o.paths.Install, fsmgmt.MountOptions{Readonly: true, WaitUntilReady: true})
	default:
		return fmt.Errorf("%s: type %s: %w", dev.Path(), guid, ErrInvalidArgs)
	}
}

func (o *Orchestrator) mountSystem(ctx context.Context, dev block.Device) error {
	if o.policy.SecondaryBootfs {
		return fmt.Errorf("%s served by secondary bootfs: %w", block.RoleSystem, ErrAlreadyBound)
	}
	if o.policy.BlobInit {
		o.log.Info("minfs system partition ignored due to " + bootcfg.KeyBlobInit)
		return fmt.Errorf("%s replaced by %s: %w", block.RoleSystem, bootcfg.KeyBlobInit, ErrAlreadyBound)
	}
	switch o.policy.Volume {
	case bootcfg.VolumeAny:
	case bootcfg.VolumeLocal:
		info, err := dev.Info()
		if err != nil {
			return fmt.Errorf("%s: unable to verify device is local: %w: %w", dev.Path(), ErrBadState, err)
		}
		if info.Removable {
			return fmt.Errorf("%s: removable device with %s=%s: %w", dev.Path(), bootcfg.KeyVolume, bootcfg.VolumeLocal, ErrBadState)
		}
	default:
		return fmt.Errorf("%s=%q: %w", bootcfg.KeyVolume, o.policy.Volume, ErrBadState)
	}
	opts := fsmgmt.MountOptions{Readonly: !o.policy.Writable, WaitUntilReady: true}
	if err := o.mount(ctx, dev, block.RoleSystem, o.paths.System, opts); err != nil {
		return err
	}
	o.starter.Start(ctx)
	return nil
}

// MountFAT mounts a FAT volume at the next free fat-N path below the volume root. EFI system
// partitions are never mounted.
func (o *Orchestrator) MountFAT(ctx context.Context, dev block.Device) error {
	defer dev.Close()
	if guid, err := dev.TypeGUID(); err == nil && guid == block.GUIDEFI {
		o.log.Info("not automounting efi", zap.String("device", dev.Path()))
		return fmt.Errorf("%s: efi: %w", dev.Path(), ErrNotAutomounted)
	}
	mountPath := path.Join(o.paths.Volume, fmt.Sprintf("fat-%d", o.roles.NextFatIndex()))
	return o.mount(ctx, dev, block.RoleGenericVolume, mountPath, fsmgmt.MountOptions{CreateMountpoint: true})
}

// MountNetbootInstall mounts the install partition while netbooting. The readiness wait is skipped
// and no integrity check runs.
func (o *Orchestrator) MountNetbootInstall(ctx context.Context, dev block.Device) error {
	defer dev.Close()
	if err := o.roles.Claim(block.RoleInstall); err != nil {
		return err
	}
	o.log.Info("mounting install partition", zap.String("device", dev.Path()))
	return o.mount(ctx, dev, block.RoleInstall, o.paths.Install, fsmgmt.MountOptions{Readonly: true})
}

func (o *Orchestrator) mount(ctx context.Context, dev block.Device, role block.Role, mountPath string, opts fsmgmt.MountOptions) error {
	format := block.FormatMinfs
	launcher := o.launchers.Minfs
	if role == block.RoleGenericVolume {
		format = block.FormatFAT
		launcher = o.launchers.Fatfs
	}
	err := o.mounter.Mount(ctx, dev, mountPath, format, opts, launcher)
	o.metrics.mountResult(role, err)
	if err != nil {
		o.log.Error("failed to mount", zap.Stringer("role", role), zap.String("path", mountPath), zap.Error(err))
		return err
	}
	return nil
}
