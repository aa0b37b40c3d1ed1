package fshost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/thinkparq/fshost/pkg/block"
)

func TestRoleTrackerClaim(t *testing.T) {
	var tracker RoleTracker
	for _, role := range []block.Role{block.RoleData, block.RoleInstall, block.RoleBlob} {
		assert.False(t, tracker.Claimed(role))
		assert.NoError(t, tracker.Claim(role))
		assert.True(t, tracker.Claimed(role))
		assert.ErrorIs(t, tracker.Claim(role), ErrAlreadyBound)
	}
	assert.Equal(t, RoleState{DataMounted: true, InstallMounted: true, BlobMounted: true}, tracker.Snapshot())

	assert.ErrorIs(t, tracker.Claim(block.RoleSystem), ErrInvalidArgs)
	assert.False(t, tracker.Claimed(block.RoleGenericVolume))
}

func TestNextFatIndex(t *testing.T) {
	var tracker RoleTracker
	assert.Equal(t, 0, tracker.NextFatIndex())
	assert.Equal(t, 1, tracker.NextFatIndex())
	assert.Equal(t, 2, tracker.Snapshot().FatCounter)
}
