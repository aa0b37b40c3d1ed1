package fshost

import (
	"context"
	"errors"
	"fmt"

	"github.com/thinkparq/fshost/pkg/block"
	"go.uber.org/zap"
)

// Classifier turns device add events into driver bindings or mount attempts.
type Classifier struct {
	log     *zap.Logger
	opener  block.Opener
	sniffer block.Sniffer
	orch    *Orchestrator
	netboot bool
	metrics *Metrics
}

func NewClassifier(log *zap.Logger, opener block.Opener, sniffer block.Sniffer, orch *Orchestrator) *Classifier {
	return &Classifier{
		log:     log.With(zap.String("component", "classifier")),
		opener:  opener,
		sniffer: sniffer,
		orch:    orch,
		netboot: orch.policy.Netboot,
		metrics: orch.metrics,
	}
}

// OnDeviceAdded is the device watcher callback. Per device failures are logged and never stop the
// watcher, so it always returns true.
func (c *Classifier) OnDeviceAdded(ctx context.Context, name string) bool {
	if err := c.HandleDevice(ctx, name); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyBound), errors.Is(err, ErrInvalidArgs), errors.Is(err, ErrNotAutomounted),
			errors.Is(err, ErrUnrecognizedFormat), errors.Is(err, block.ErrUnsupportedDriver):
			c.log.Debug("device not mounted", zap.String("name", name), zap.Error(err))
		default:
			c.log.Info("device not mounted", zap.String("name", name), zap.Error(err))
		}
	}
	return true
}

// HandleDevice opens and classifies a device, then binds a partition driver or hands it to the
// orchestrator. The device is closed on every path that does not mount it.
func (c *Classifier) HandleDevice(ctx context.Context, name string) error {
	dev, err := c.opener.Open(name)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", name, err)
	}
	defer dev.Close()

	if info, err := dev.Info(); err == nil && info.BootPart {
		return c.bind(dev, block.DriverBootPart)
	}

	format := c.sniffer.DetectFormat(dev)
	c.metrics.deviceSeen(format)
	if driver, ok := format.Container(); ok {
		c.log.Info("partition container detected", zap.String("device", dev.Path()), zap.Stringer("format", format))
		return c.bind(dev, driver)
	}

	if c.netboot {
		// Only the install partition is touched while netbooting.
		if guid, err := dev.TypeGUID(); err == nil && guid == block.GUIDInstall {
			return c.orch.MountNetbootInstall(ctx, dev)
		}
		return fmt.Errorf("%s: netboot: %w", dev.Path(), ErrNotAutomounted)
	}

	switch format {
	case block.FormatBlobfs:
		if guid, err := dev.TypeGUID(); err != nil || guid != block.GUIDBlob {
			return fmt.Errorf("%s: blobfs without blob type: %w", dev.Path(), ErrInvalidArgs)
		}
		return c.orch.MountBlob(ctx, dev)
	case block.FormatMinfs:
		c.log.Info("mounting minfs", zap.String("device", dev.Path()))
		return c.orch.MountMinfs(ctx, dev)
	case block.FormatFAT:
		c.log.Info("mounting fatfs", zap.String("device", dev.Path()))
		return c.orch.MountFAT(ctx, dev)
	default:
		return fmt.Errorf("%s: %w", dev.Path(), ErrUnrecognizedFormat)
	}
}

func (c *Classifier) bind(dev block.Device, driver block.Driver) error {
	if err := dev.BindDriver(driver); err != nil {
		return fmt.Errorf("%s: binding %s: %w", dev.Path(), driver, err)
	}
	return nil
}
