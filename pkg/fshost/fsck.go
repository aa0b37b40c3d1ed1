package fshost

import (
	"context"
	"fmt"

	"github.com/thinkparq/fshost/pkg/block"
	"go.uber.org/zap"
)

// checkIntegrity runs the filesystem checker when enabled by the boot configuration. A failure
// vetoes the mount for this event only, the device is reconsidered if it is added again.
func (o *Orchestrator) checkIntegrity(ctx context.Context, dev block.Device, format block.DiskFormat) error {
	if !o.policy.FilesystemCheck {
		return nil
	}
	o.log.Info("fsck started", zap.Stringer("format", format), zap.String("device", dev.Path()))
	if err := o.mounter.Fsck(ctx, dev.Path(), format, o.launchers.Fsck); err != nil {
		o.metrics.integrityFailure(format)
		o.log.Warn("---------------------------------------------------------")
		o.log.Warn("|")
		o.log.Warn("|   WARNING: fshost fsck failure!")
		o.log.Warn("|   Corrupt device: " + dev.Path())
		o.log.Warn("|   Please report this device to the local storage team,")
		o.log.Warn("|   preferably BEFORE reformatting your device.")
		o.log.Warn("|")
		o.log.Warn("---------------------------------------------------------", zap.Error(err))
		return fmt.Errorf("%s: %w: %w", dev.Path(), ErrIntegrityCheck, err)
	}
	o.log.Info("fsck completed OK", zap.Stringer("format", format), zap.String("device", dev.Path()))
	return nil
}
