package namespace

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// BindInstaller publishes directories by bind mounting them.
type BindInstaller struct {
	log *zap.Logger
}

func NewBindInstaller(log *zap.Logger) *BindInstaller {
	return &BindInstaller{log: log.With(zap.String("component", "namespace"))}
}

func (b *BindInstaller) Install(path string, dir Directory) error {
	defer dir.Close()
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	source := fmt.Sprintf("/proc/self/fd/%d", dir.File().Fd())
	if err := unix.Mount(source, path, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("unable to bind %s at %s: %w", dir.Name(), path, err)
	}
	b.log.Info("installed directory", zap.String("path", path), zap.String("source", dir.Name()))
	return nil
}
