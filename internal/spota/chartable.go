package spota

import (
	"fmt"

	ble "github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AttrKind classifies an attribute of the service table.
type AttrKind int

const (
	AttrService AttrKind = iota
	AttrCharDecl
	AttrValue
	AttrNotifyConfig
)

var (
	primaryServiceUUID = ble.UUID16(0x2800)
	charDeclUUID       = ble.UUID16(0x2803)
	cccdUUID           = ble.UUID16(0x2902)
)

// CharSpec describes one attribute of the SPOTA service.
type CharSpec struct {
	Index  int
	Kind   AttrKind
	Tag    CharTag // CharErr for attributes that accept no peer writes
	UUID   ble.UUID
	MaxLen int
	Props  ble.Property
	Name   string
}

// AttrSpec is one entry of a ServiceSpec handed to the attribute database.
type AttrSpec struct {
	UUID   ble.UUID
	MaxLen int
	Value  []byte
	Props  ble.Property
}

// ServiceSpec is a service definition in attribute-index order.
type ServiceSpec struct {
	UUID  ble.UUID
	Attrs []AttrSpec
}

// CharTable is the SPOTA attribute table keyed by attribute index, kept in
// index order so that handle offsets follow insertion order.
type CharTable struct {
	specs *orderedmap.OrderedMap[int, CharSpec]
}

// NewCharTable builds the SPOTA attribute table.
func NewCharTable(patchDataSize int) *CharTable {
	if patchDataSize <= 0 {
		patchDataSize = DefaultPatchDataSize
	}

	t := &CharTable{specs: orderedmap.New[int, CharSpec]()}
	t.add(CharSpec{Index: IdxSvc, Kind: AttrService, UUID: primaryServiceUUID, MaxLen: 2, Name: "service"})

	t.addChar(IdxMemDevChar, CharMemDev, MemDevUUID, MemDevSize, ble.CharRead|ble.CharWrite, "mem_dev")
	t.addChar(IdxGPIOMapChar, CharGPIOMap, GPIOMapUUID, GPIOMapSize, ble.CharRead|ble.CharWrite, "gpio_map")
	t.addChar(IdxMemInfoChar, CharErr, MemInfoUUID, MemInfoSize, ble.CharRead, "mem_info")
	t.addChar(IdxPatchLenChar, CharPatchLen, PatchLenUUID, PatchLenSize, ble.CharRead|ble.CharWrite, "patch_len")
	t.addChar(IdxPatchDataChar, CharPatchData, PatchDataUUID, patchDataSize, ble.CharRead|ble.CharWrite|ble.CharWriteNR, "patch_data")
	t.addChar(IdxPatchStatusChar, CharErr, PatchStatusUUID, PatchStatusSize, ble.CharRead|ble.CharNotify, "patch_status")

	t.add(CharSpec{
		Index:  IdxPatchStatusNtfCfg,
		Kind:   AttrNotifyConfig,
		Tag:    CharPatchStatusNtfCfg,
		UUID:   cccdUUID,
		MaxLen: NotifyConfigSize,
		Props:  ble.CharRead | ble.CharWrite,
		Name:   "patch_status_ntf_cfg",
	})
	return t
}

func (t *CharTable) add(s CharSpec) {
	t.specs.Set(s.Index, s)
}

func (t *CharTable) addChar(declIdx int, tag CharTag, u ble.UUID, size int, props ble.Property, name string) {
	t.add(CharSpec{Index: declIdx, Kind: AttrCharDecl, UUID: charDeclUUID, MaxLen: 19, Name: name + "_char"})
	t.add(CharSpec{Index: declIdx + 1, Kind: AttrValue, Tag: tag, UUID: u, MaxLen: size, Props: props, Name: name})
}

// Len returns the number of attributes.
func (t *CharTable) Len() int {
	return t.specs.Len()
}

// Lookup returns the attribute at a handle offset.
func (t *CharTable) Lookup(offset int) (CharSpec, bool) {
	return t.specs.Get(offset)
}

// Classify returns the characteristic tag for a handle offset; unknown
// offsets and attributes that accept no peer writes classify as CharErr.
func (t *CharTable) Classify(offset int) CharTag {
	s, ok := t.specs.Get(offset)
	if !ok {
		return CharErr
	}
	return s.Tag
}

// Each calls fn for every attribute in index order.
func (t *CharTable) Each(fn func(CharSpec)) {
	for p := t.specs.Oldest(); p != nil; p = p.Next() {
		fn(p.Value)
	}
}

// Values returns the value attributes in index order.
func (t *CharTable) Values() []CharSpec {
	var out []CharSpec
	t.Each(func(s CharSpec) {
		if s.Kind == AttrValue {
			out = append(out, s)
		}
	})
	return out
}

// Validate checks that indices are contiguous from zero, that every sized
// attribute has a positive size and that no tag is routed twice.
func (t *CharTable) Validate() error {
	next := 0
	seen := make(map[CharTag]int)
	var err error
	t.Each(func(s CharSpec) {
		if err != nil {
			return
		}
		if s.Index != next {
			err = fmt.Errorf("%w: attribute %q at index %d, want %d", ErrInvalidTable, s.Name, s.Index, next)
			return
		}
		next++
		if s.MaxLen <= 0 {
			err = fmt.Errorf("%w: attribute %q has no size", ErrInvalidTable, s.Name)
			return
		}
		if s.Tag == CharErr {
			return
		}
		if prev, dup := seen[s.Tag]; dup {
			err = fmt.Errorf("%w: tag %s routed at %d and %d", ErrInvalidTable, s.Tag, prev, s.Index)
			return
		}
		seen[s.Tag] = s.Index
	})
	if err != nil {
		return err
	}
	if next != IdxNB {
		return fmt.Errorf("%w: %d attributes, want %d", ErrInvalidTable, next, IdxNB)
	}
	return nil
}

// Tags returns the routed characteristic tags in index order.
func (t *CharTable) Tags() []CharTag {
	var out []CharTag
	t.Each(func(s CharSpec) {
		if s.Tag != CharErr {
			out = append(out, s.Tag)
		}
	})
	return out
}

// ServiceSpec converts the table into an attribute database definition.
// Values start zeroed except the service declaration, which carries the
// 16-bit service UUID.
func (t *CharTable) ServiceSpec() ServiceSpec {
	spec := ServiceSpec{UUID: ServiceUUID}
	t.Each(func(s CharSpec) {
		a := AttrSpec{UUID: s.UUID, MaxLen: s.MaxLen, Props: s.Props}
		if s.Kind == AttrService {
			a.Value = append([]byte(nil), ServiceUUID...)
		}
		spec.Attrs = append(spec.Attrs, a)
	})
	return spec
}
