// Package link tracks active connections: link-layer connection handles,
// their local indices and peer addresses.
package link

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/spota"
)

// MaxConnections is the number of simultaneous links supported.
const MaxConnections = 8

// Disconnect reasons (HCI error codes).
const (
	ReasonConnectionTimeout    uint8 = 0x08
	ReasonRemoteUserTerminated uint8 = spota.ReasonRemoteUserTerminated
	ReasonLocalHostTerminated  uint8 = spota.ReasonLocalHostTerminated
)

var (
	ErrTableFull   = errors.New("connection table full")
	ErrHandleInUse = errors.New("connection handle in use")
	ErrNotFound    = errors.New("connection not found")
)

// Conn is an active link.
type Conn struct {
	Handle spota.ConnHandle
	Index  spota.ConnIndex
	Addr   string
}

// Table is the connection table. Lookups are lock-free; Connect and
// Disconnect are serialized.
type Table struct {
	logger *logrus.Logger

	mu       sync.Mutex
	nextConn spota.ConnHandle

	byHandle *hashmap.Map[spota.ConnHandle, *Conn]
	byIndex  *hashmap.Map[spota.ConnIndex, *Conn]
	byAddr   *hashmap.Map[string, *Conn]
}

// New creates an empty connection table.
func New(logger *logrus.Logger) *Table {
	if logger == nil {
		logger = logrus.New()
	}
	return &Table{
		logger:   logger,
		byHandle: hashmap.New[spota.ConnHandle, *Conn](),
		byIndex:  hashmap.New[spota.ConnIndex, *Conn](),
		byAddr:   hashmap.New[string, *Conn](),
	}
}

// Connect registers a link to addr with a freshly allocated connection handle.
// An address that is already connected returns its existing link.
func (t *Table) Connect(addr string) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byAddr.Get(addr); ok {
		return c, nil
	}
	for {
		h := t.nextConn
		t.nextConn++
		if _, used := t.byHandle.Get(h); !used {
			return t.attach(h, addr)
		}
	}
}

// Attach registers a link with a connection handle chosen by the caller.
func (t *Table) Attach(h spota.ConnHandle, addr string) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, used := t.byHandle.Get(h); used {
		return nil, fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	return t.attach(h, addr)
}

func (t *Table) attach(h spota.ConnHandle, addr string) (*Conn, error) {
	idx, ok := t.freeIndex()
	if !ok {
		return nil, fmt.Errorf("%w: %d links", ErrTableFull, MaxConnections)
	}
	c := &Conn{Handle: h, Index: idx, Addr: addr}
	t.byHandle.Set(h, c)
	t.byIndex.Set(idx, c)
	if addr != "" {
		t.byAddr.Set(addr, c)
	}

	t.logger.WithFields(logrus.Fields{
		"conn_handle": h,
		"conn_index":  idx,
		"addr":        addr,
	}).Debug("Link connected")
	return c, nil
}

func (t *Table) freeIndex() (spota.ConnIndex, bool) {
	for i := spota.ConnIndex(0); i < MaxConnections; i++ {
		if _, used := t.byIndex.Get(i); !used {
			return i, true
		}
	}
	return spota.InvalidConnIndex, false
}

// Disconnect removes the link with handle h and returns it.
func (t *Table) Disconnect(h spota.ConnHandle) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byHandle.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrNotFound, h)
	}
	t.byHandle.Del(h)
	t.byIndex.Del(c.Index)
	if c.Addr != "" {
		t.byAddr.Del(c.Addr)
	}
	t.logger.WithFields(logrus.Fields{
		"conn_handle": h,
		"conn_index":  c.Index,
	}).Debug("Link disconnected")
	return c, nil
}

// Index returns the local index of h, or spota.InvalidConnIndex.
func (t *Table) Index(h spota.ConnHandle) spota.ConnIndex {
	if c, ok := t.byHandle.Get(h); ok {
		return c.Index
	}
	return spota.InvalidConnIndex
}

// Handle returns the connection handle at idx. Unknown indices return 0xFFFF.
func (t *Table) Handle(idx spota.ConnIndex) spota.ConnHandle {
	if c, ok := t.byIndex.Get(idx); ok {
		return c.Handle
	}
	return 0xFFFF
}

// ByAddr returns the link to addr.
func (t *Table) ByAddr(addr string) (*Conn, bool) {
	return t.byAddr.Get(addr)
}

// Addr returns the peer address of h.
func (t *Table) Addr(h spota.ConnHandle) (string, bool) {
	c, ok := t.byHandle.Get(h)
	if !ok {
		return "", false
	}
	return c.Addr, true
}

// Len returns the number of active links.
func (t *Table) Len() int {
	return t.byHandle.Len()
}

// Conns returns the active links.
func (t *Table) Conns() []Conn {
	out := make([]Conn, 0, t.byHandle.Len())
	t.byHandle.Range(func(_ spota.ConnHandle, c *Conn) bool {
		out = append(out, *c)
		return true
	})
	return out
}

var _ spota.ConnectionTable = (*Table)(nil)
