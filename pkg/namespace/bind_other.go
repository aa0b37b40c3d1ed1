//go:build !linux

package namespace

import (
	"errors"

	"go.uber.org/zap"
)

type BindInstaller struct {
	log *zap.Logger
}

func NewBindInstaller(log *zap.Logger) *BindInstaller {
	return &BindInstaller{log: log}
}

func (b *BindInstaller) Install(path string, dir Directory) error {
	dir.Close()
	return errors.New("bind installs are only supported on linux")
}
