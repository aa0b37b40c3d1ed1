package block

import (
	"github.com/google/uuid"
)

// Well-known partition type GUIDs compared byte for byte against the type GUID of a device.
var (
	GUIDSystem  = uuid.MustParse("606b000b-b7c7-4653-a7d5-b737332c899d")
	GUIDData    = uuid.MustParse("08185f0c-892d-428a-a789-dbeec8f55e6a")
	GUIDInstall = uuid.MustParse("48435546-4953-2041-494e-5354414c4c52")
	GUIDBlob    = uuid.MustParse("2967380e-134c-4cbb-b6da-17e7ce1ca45d")
	GUIDEFI     = uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b")
)

// Role is the fixed mount target a partition is destined for.
type Role int

const (
	RoleNone Role = iota
	RoleSystem
	RoleData
	RoleInstall
	RoleBlob
	RoleGenericVolume
	RoleBootPart
)

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleData:
		return "data"
	case RoleInstall:
		return "install"
	case RoleBlob:
		return "blob"
	case RoleGenericVolume:
		return "volume"
	case RoleBootPart:
		return "bootpart"
	default:
		return "none"
	}
}

// RoleFor combines the detected format with the partition type GUID. FAT partitions become generic
// volumes unless they carry the EFI GUID, which is never auto-mounted.
func RoleFor(format DiskFormat, guid uuid.UUID) Role {
	switch format {
	case FormatBlobfs:
		if guid == GUIDBlob {
			return RoleBlob
		}
	case FormatMinfs:
		switch guid {
		case GUIDSystem:
			return RoleSystem
		case GUIDData:
			return RoleData
		case GUIDInstall:
			return RoleInstall
		}
	case FormatFAT:
		if guid != GUIDEFI {
			return RoleGenericVolume
		}
	}
	return RoleNone
}
