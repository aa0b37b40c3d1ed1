package fshost

import (
	"fmt"
	"sync"

	"github.com/thinkparq/fshost/pkg/block"
)

// RoleState records which singleton roles have been claimed.
type RoleState struct {
	DataMounted    bool
	InstallMounted bool
	BlobMounted    bool
	// FatCounter is the index handed to the next FAT volume.
	FatCounter int
}

// RoleTracker owns the RoleState of one orchestrator. Devices are handled serially, the lock makes
// claims authoritative should mounts ever be dispatched concurrently.
type RoleTracker struct {
	mu    sync.Mutex
	state RoleState
}

func (t *RoleTracker) Snapshot() RoleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Claimed reports whether a singleton role has been claimed.
func (t *RoleTracker) Claimed(role block.Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	flag, err := t.flag(role)
	return err == nil && *flag
}

// Claim marks a singleton role as claimed. It fails with ErrAlreadyBound if the role was claimed
// before. Only data, install and blob are singleton roles.
func (t *RoleTracker) Claim(role block.Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	flag, err := t.flag(role)
	if err != nil {
		return err
	}
	if *flag {
		return fmt.Errorf("%s: %w", role, ErrAlreadyBound)
	}
	*flag = true
	return nil
}

// NextFatIndex returns the current FAT counter and increments it.
func (t *RoleTracker) NextFatIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.state.FatCounter
	t.state.FatCounter++
	return i
}

func (t *RoleTracker) flag(role block.Role) (*bool, error) {
	switch role {
	case block.RoleData:
		return &t.state.DataMounted, nil
	case block.RoleInstall:
		return &t.state.InstallMounted, nil
	case block.RoleBlob:
		return &t.state.BlobMounted, nil
	default:
		return nil, fmt.Errorf("%s is not a singleton role: %w", role, ErrInvalidArgs)
	}
}
