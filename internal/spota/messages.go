package spota

import "github.com/srg/spotar/internal/kernel"

// MsgID identifies a kernel message type.
type MsgID = kernel.MsgID

// Message is implemented by every kernel payload.
type Message = kernel.Message

const (
	MsgCreateDBRequest MsgID = iota + 0x4000
	MsgCreateDBConfirm
	MsgEnableRequest
	MsgDisableIndication
	MsgErrorIndication
	MsgWriteIndication
	MsgStatusUpdateRequest
	MsgMemInfoUpdateRequest
	MsgPatchChunkAck
	MsgDisconnectIndication
	MsgMemDevIndication
	MsgGPIOMapIndication
	MsgPatchLenIndication
	MsgPatchDataIndication
)

var msgNames = map[MsgID]string{
	MsgCreateDBRequest:      "create_db_req",
	MsgCreateDBConfirm:      "create_db_cfm",
	MsgEnableRequest:        "enable_req",
	MsgDisableIndication:    "disable_ind",
	MsgErrorIndication:      "error_ind",
	MsgWriteIndication:      "write_ind",
	MsgStatusUpdateRequest:  "status_update_req",
	MsgMemInfoUpdateRequest: "mem_info_update_req",
	MsgPatchChunkAck:        "patch_chunk_ack",
	MsgDisconnectIndication: "disconnect_ind",
	MsgMemDevIndication:     "mem_dev_ind",
	MsgGPIOMapIndication:    "gpio_map_ind",
	MsgPatchLenIndication:   "patch_len_ind",
	MsgPatchDataIndication:  "patch_data_ind",
}

func init() {
	kernel.RegisterMsgNames(msgNames)
}

// CreateDBRequest asks the receiver to register its attribute table.
type CreateDBRequest struct {
	PatchDataSize int
}

// CreateDBConfirm reports the outcome of a CreateDBRequest.
type CreateDBConfirm struct {
	Status Status
}

// EnableRequest binds the receiver to a connection.
type EnableRequest struct {
	ConnHandle ConnHandle
	SecLevel   SecurityLevel
}

// DisableIndication tells the application the receiver was unbound.
type DisableIndication struct {
	ConnHandle ConnHandle
}

// ErrorIndication reports a rejected request to its originator.
type ErrorIndication struct {
	Status  Status
	Request MsgID
}

// Err returns the indication as a *ProfileError.
func (e ErrorIndication) Err() error {
	return &ProfileError{Status: e.Status, Request: e.Request}
}

// WriteIndication is a peer write to a characteristic value or descriptor.
// The source kernel index of the envelope carries the connection index.
type WriteIndication struct {
	Handle Handle
	Value  []byte
	Offset int
	Last   bool
}

// StatusUpdateRequest asks for a patch-status change notification.
type StatusUpdateRequest struct {
	Status uint8
}

// MemInfoUpdateRequest overwrites the memory-info characteristic.
type MemInfoUpdateRequest struct {
	MemInfo uint32
}

// PatchChunkAck is sent by the application once a patch-data chunk has been
// consumed; it clears the single-outstanding-chunk gate.
type PatchChunkAck struct{}

// DisconnectIndication is forwarded from the connection layer.
type DisconnectIndication struct {
	ConnHandle ConnHandle
	Reason     uint8
}

// MemDevIndication carries a decoded memory-device selector.
type MemDevIndication struct {
	ConnHandle ConnHandle
	MemDev     uint32
	Char       CharTag
}

// GPIOMapIndication carries a decoded GPIO map.
type GPIOMapIndication struct {
	ConnHandle ConnHandle
	GPIOMap    uint32
	Char       CharTag
}

// PatchLenIndication carries a decoded patch length.
type PatchLenIndication struct {
	ConnHandle ConnHandle
	Len        uint16
	Char       CharTag
}

// PatchDataIndication carries a copy of one patch-data chunk.
type PatchDataIndication struct {
	ConnHandle ConnHandle
	Data       []byte
	Len        int
	Char       CharTag
}

func (CreateDBRequest) ID() MsgID      { return MsgCreateDBRequest }
func (CreateDBConfirm) ID() MsgID      { return MsgCreateDBConfirm }
func (EnableRequest) ID() MsgID        { return MsgEnableRequest }
func (DisableIndication) ID() MsgID    { return MsgDisableIndication }
func (ErrorIndication) ID() MsgID      { return MsgErrorIndication }
func (WriteIndication) ID() MsgID      { return MsgWriteIndication }
func (StatusUpdateRequest) ID() MsgID  { return MsgStatusUpdateRequest }
func (MemInfoUpdateRequest) ID() MsgID { return MsgMemInfoUpdateRequest }
func (PatchChunkAck) ID() MsgID        { return MsgPatchChunkAck }
func (DisconnectIndication) ID() MsgID { return MsgDisconnectIndication }
func (MemDevIndication) ID() MsgID     { return MsgMemDevIndication }
func (GPIOMapIndication) ID() MsgID    { return MsgGPIOMapIndication }
func (PatchLenIndication) ID() MsgID   { return MsgPatchLenIndication }
func (PatchDataIndication) ID() MsgID  { return MsgPatchDataIndication }
