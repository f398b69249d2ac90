// Package attdb is an in-memory attribute database: handle allocation,
// bounded value slots and a whole-service access permission.
package attdb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/spota"
)

var (
	ErrInvalidHandle = spota.ErrInvalidHandle
	ErrValueTooLong  = spota.ErrValueTooLong
	ErrServiceExists = errors.New("service already registered")
	ErrEmptyService  = errors.New("service has no attributes")
)

// PermissionError is returned by CheckAccess when the link may not access
// an attribute of a service.
type PermissionError struct {
	Handle   spota.Handle
	Required spota.SecurityLevel
	Link     spota.SecurityLevel
}

func (e *PermissionError) Error() string {
	if e.Required == spota.SecDisabled {
		return fmt.Sprintf("attribute 0x%04x: service disabled", uint16(e.Handle))
	}
	return fmt.Sprintf("attribute 0x%04x: requires %s security, link has %s", uint16(e.Handle), e.Required, e.Link)
}

// Is matches any *PermissionError.
func (e *PermissionError) Is(target error) bool {
	_, ok := target.(*PermissionError)
	return ok
}

// Attribute is a snapshot of one attribute.
type Attribute struct {
	Handle spota.Handle
	UUID   ble.UUID
	MaxLen int
	Props  ble.Property
	Value  []byte
}

type service struct {
	uuid  ble.UUID
	perm  spota.SecurityLevel
	attrs *handleRange
}

// DB is the attribute database. It is safe for concurrent use.
type DB struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	services []*service
	next     spota.Handle
}

// New creates an empty database. Handles are allocated from 1.
func New(logger *logrus.Logger) *DB {
	if logger == nil {
		logger = logrus.New()
	}
	return &DB{logger: logger, next: 1}
}

// CreateService allocates a contiguous handle range for spec and returns
// the handle of its first attribute.
func (db *DB) CreateService(spec spota.ServiceSpec) (spota.Handle, error) {
	if len(spec.Attrs) == 0 {
		return 0, ErrEmptyService
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, s := range db.services {
		if s.uuid.Equal(spec.UUID) {
			return 0, fmt.Errorf("%w: %s", ErrServiceExists, spec.UUID)
		}
	}
	if int(db.next)+len(spec.Attrs) > 0xFFFF {
		return 0, fmt.Errorf("no handle space left for %d attributes", len(spec.Attrs))
	}

	base := db.next
	r := &handleRange{base: base, hh: make([]Attribute, len(spec.Attrs))}
	for i, a := range spec.Attrs {
		if len(a.Value) > a.MaxLen {
			return 0, fmt.Errorf("attribute %d: %w", i, ErrValueTooLong)
		}
		r.hh[i] = Attribute{
			Handle: base + spota.Handle(i),
			UUID:   a.UUID,
			MaxLen: a.MaxLen,
			Props:  a.Props,
			Value:  bytes.Clone(a.Value),
		}
	}
	db.services = append(db.services, &service{uuid: spec.UUID, perm: spota.SecEnabled, attrs: r})
	db.next = base + spota.Handle(len(spec.Attrs))

	db.logger.WithFields(logrus.Fields{
		"uuid":  spec.UUID.String(),
		"start": base,
		"end":   r.end(),
	}).Debug("Service registered")
	return base, nil
}

// lookup returns the service holding h. Callers hold db.mu.
func (db *DB) lookup(h spota.Handle) (*service, int) {
	for _, s := range db.services {
		if i := s.attrs.idx(int(h)); i >= 0 {
			return s, i
		}
	}
	return nil, tooSmall
}

// SetServicePermission sets the access level of the service starting at base.
func (db *DB) SetServicePermission(base spota.Handle, lvl spota.SecurityLevel) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, i := db.lookup(base)
	if s == nil || i != 0 {
		return fmt.Errorf("%w: 0x%04x is not a service start", ErrInvalidHandle, uint16(base))
	}
	s.perm = lvl
	return nil
}

// ServicePermission returns the access level of the service holding h.
func (db *DB) ServicePermission(h spota.Handle) (spota.SecurityLevel, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, _ := db.lookup(h)
	if s == nil {
		return spota.SecDisabled, fmt.Errorf("%w: 0x%04x", ErrInvalidHandle, uint16(h))
	}
	return s.perm, nil
}

// SetValue replaces the value of h.
func (db *DB) SetValue(h spota.Handle, v []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, i := db.lookup(h)
	if s == nil {
		return fmt.Errorf("%w: 0x%04x", ErrInvalidHandle, uint16(h))
	}
	a := &s.attrs.hh[i]
	if len(v) > a.MaxLen {
		return fmt.Errorf("%w: %d bytes for 0x%04x, max %d", ErrValueTooLong, len(v), uint16(h), a.MaxLen)
	}
	a.Value = bytes.Clone(v)
	return nil
}

// Value returns a copy of the value of h.
func (db *DB) Value(h spota.Handle) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, i := db.lookup(h)
	if s == nil {
		return nil, fmt.Errorf("%w: 0x%04x", ErrInvalidHandle, uint16(h))
	}
	return bytes.Clone(s.attrs.hh[i].Value), nil
}

// At returns a snapshot of attribute h.
func (db *DB) At(h spota.Handle) (Attribute, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, i := db.lookup(h)
	if s == nil {
		return Attribute{}, false
	}
	a := s.attrs.hh[i]
	a.Value = bytes.Clone(a.Value)
	return a, true
}

// Subrange returns snapshots of the attributes in [start, end] across all services.
func (db *DB) Subrange(start, end spota.Handle) []Attribute {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []Attribute
	for _, s := range db.services {
		for _, a := range s.attrs.Subrange(start, end) {
			a.Value = bytes.Clone(a.Value)
			out = append(out, a)
		}
	}
	return out
}

// CheckAccess reports whether a link at level link may access h.
func (db *DB) CheckAccess(h spota.Handle, link spota.SecurityLevel) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s, _ := db.lookup(h)
	if s == nil {
		return fmt.Errorf("%w: 0x%04x", ErrInvalidHandle, uint16(h))
	}
	if s.perm == spota.SecDisabled || link < s.perm {
		return &PermissionError{Handle: h, Required: s.perm, Link: link}
	}
	return nil
}

var _ spota.AttributeDB = (*DB)(nil)
