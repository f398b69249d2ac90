package spota

// AttributeDB stores characteristic values by handle and enforces the
// service access permission.
type AttributeDB interface {
	CreateService(spec ServiceSpec) (Handle, error)
	SetServicePermission(base Handle, lvl SecurityLevel) error
	SetValue(h Handle, v []byte) error
	Value(h Handle) ([]byte, error)
}

// ConnectionTable resolves connection handles to local indices and back.
type ConnectionTable interface {
	Index(h ConnHandle) ConnIndex
	Handle(idx ConnIndex) ConnHandle
}

// Messenger emits kernel messages to other tasks.
type Messenger interface {
	Send(dest, src TaskID, msg Message)
}

// Bearer is the ATT bearer toward the peer.
type Bearer interface {
	SendWriteResponse(idx ConnIndex, h Handle, status Status)
	SendNotification(idx ConnIndex, h Handle, value []byte)
}
