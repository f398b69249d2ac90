package kernel

import (
	"fmt"
	"sync"
)

var (
	namesMu  sync.RWMutex
	msgNames = map[MsgID]string{}
)

// RegisterMsgNames records human-readable names used in logs and traces.
func RegisterMsgNames(names map[MsgID]string) {
	namesMu.Lock()
	defer namesMu.Unlock()
	for id, n := range names {
		msgNames[id] = n
	}
}

// MsgName returns the registered name of id, or its hex value.
func MsgName(id MsgID) string {
	namesMu.RLock()
	n, ok := msgNames[id]
	namesMu.RUnlock()
	if ok {
		return n
	}
	return fmt.Sprintf("msg(0x%04x)", uint16(id))
}

// String implements fmt.Stringer.
func (id MsgID) String() string { return MsgName(id) }
