package spota

import (
	"fmt"

	ble "github.com/go-ble/ble"
	"github.com/srg/spotar/internal/kernel"
)

// Handle is an attribute handle in the attribute database.
type Handle uint16

// ConnHandle is a link-layer connection handle.
type ConnHandle uint16

// ConnIndex is the local index of an active link.
type ConnIndex uint8

// TaskID identifies a kernel task (the receiver itself or an application task).
type TaskID = kernel.TaskID

// InvalidConnIndex is returned by a ConnectionTable for unknown connection handles.
const InvalidConnIndex ConnIndex = 0xFF

// Kernel task identities.
const (
	TaskLink     TaskID = 0x0008 // connection layer: peer writes and disconnects
	TaskReceiver TaskID = 0x0040
	TaskApp      TaskID = 0x0100
)

// State is the lifecycle state of the receiver task.
type State int

const (
	StateDisabled State = iota
	StateIdle
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CharTag is the characteristic code reported to the application.
type CharTag uint8

const (
	CharErr CharTag = iota
	CharMemDev
	CharGPIOMap
	CharPatchLen
	CharPatchData
	CharPatchStatusNtfCfg
)

func (c CharTag) String() string {
	switch c {
	case CharMemDev:
		return "mem_dev"
	case CharGPIOMap:
		return "gpio_map"
	case CharPatchLen:
		return "patch_len"
	case CharPatchData:
		return "patch_data"
	case CharPatchStatusNtfCfg:
		return "patch_status_ntf_cfg"
	default:
		return "err"
	}
}

// Attribute indices, as offsets from the service base handle.
const (
	IdxSvc = iota

	IdxMemDevChar
	IdxMemDevVal

	IdxGPIOMapChar
	IdxGPIOMapVal

	IdxMemInfoChar
	IdxMemInfoVal

	IdxPatchLenChar
	IdxPatchLenVal

	IdxPatchDataChar
	IdxPatchDataVal

	IdxPatchStatusChar
	IdxPatchStatusVal
	IdxPatchStatusNtfCfg

	IdxNB
)

// Value slot sizes in bytes.
const (
	MemDevSize       = 4
	GPIOMapSize      = 4
	MemInfoSize      = 4
	PatchLenSize     = 2
	PatchStatusSize  = 1
	NotifyConfigSize = 2

	// DefaultPatchDataSize matches a default ATT MTU of 23 bytes.
	DefaultPatchDataSize = 20
)

// SecurityLevel is the access permission applied to the whole service.
type SecurityLevel uint8

const (
	SecDisabled SecurityLevel = iota
	SecEnabled
	SecUnauthenticated
	SecAuthenticated
)

func (l SecurityLevel) String() string {
	switch l {
	case SecDisabled:
		return "disabled"
	case SecEnabled:
		return "enabled"
	case SecUnauthenticated:
		return "unauthenticated"
	case SecAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("sec(%d)", uint8(l))
	}
}

// ParseSecurityLevel maps a config string to a SecurityLevel.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch s {
	case "disabled":
		return SecDisabled, nil
	case "", "enabled", "none":
		return SecEnabled, nil
	case "unauthenticated", "unauth":
		return SecUnauthenticated, nil
	case "authenticated", "auth":
		return SecAuthenticated, nil
	default:
		return SecDisabled, fmt.Errorf("invalid security level: %s (must be none, unauth or auth)", s)
	}
}

// SPOTA service and characteristic UUIDs.
var (
	ServiceUUID     = ble.UUID16(0xFEF5)
	MemDevUUID      = ble.MustParse("8082caa8-41a6-4021-91c6-56f9b954cc34")
	GPIOMapUUID     = ble.MustParse("724249f0-5ec3-4b5f-8804-42345af08651")
	MemInfoUUID     = ble.MustParse("6c53db25-47a1-45fe-a022-7c92fb334fd4")
	PatchLenUUID    = ble.MustParse("9d84b9a3-000c-49d8-9183-855b673fda31")
	PatchDataUUID   = ble.MustParse("457871e8-d516-4ca1-9116-57d0b17b9cb2")
	PatchStatusUUID = ble.MustParse("5f78df94-798c-46f5-990a-b3eb6a065c88")
)
