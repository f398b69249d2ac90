package spota

import (
	"encoding/binary"
)

// DecodeMemDev decodes the memory-device selector: the first 4 bytes, little-endian.
// The top byte selects the memory type, the low 24 bits carry its parameter.
func DecodeMemDev(b []byte) uint32 {
	return binary.LittleEndian.Uint32(widen(b, 4))
}

// DecodeGPIOMap decodes the GPIO map: the first 4 bytes, little-endian.
func DecodeGPIOMap(b []byte) uint32 {
	return binary.LittleEndian.Uint32(widen(b, 4))
}

// DecodePatchLen decodes the patch length: the first 2 bytes, little-endian.
func DecodePatchLen(b []byte) uint16 {
	return binary.LittleEndian.Uint16(widen(b, PatchLenSize))
}

// DecodeNotifyConfig reports whether notifications are enabled in a client
// characteristic configuration value. A single byte is accepted.
func DecodeNotifyConfig(b []byte) bool {
	switch len(b) {
	case 0:
		return false
	case 1:
		return b[0]&0x01 != 0
	default:
		return binary.LittleEndian.Uint16(b)&0x0001 != 0
	}
}

// EncodeMemInfo encodes a memory-info value for its characteristic slot.
func EncodeMemInfo(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, MemInfoSize), v)
}

// widen returns the first n bytes of b; missing bytes read as zero.
func widen(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}
