package pkgfs

import "errors"

var (
	ErrNotConfigured        = errors.New("pkgfs launch is not configured")
	ErrLaunchFailed         = errors.New("pkgfs failed to launch")
	ErrReadinessTimeout     = errors.New("pkgfs did not signal readiness")
	ErrPrematureTermination = errors.New("pkgfs terminated prematurely")
	ErrInstall              = errors.New("unable to install pkgfs directories")
	ErrAlreadyLaunched      = errors.New("pkgfs was already launched")
)
