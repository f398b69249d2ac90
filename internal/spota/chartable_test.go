package spota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharTableLayout(t *testing.T) {
	tbl := NewCharTable(0)
	require.NoError(t, tbl.Validate())
	assert.Equal(t, IdxNB, tbl.Len())

	tests := []struct {
		offset int
		tag    CharTag
	}{
		{IdxSvc, CharErr},
		{IdxMemDevChar, CharErr},
		{IdxMemDevVal, CharMemDev},
		{IdxGPIOMapVal, CharGPIOMap},
		{IdxMemInfoVal, CharErr},
		{IdxPatchLenVal, CharPatchLen},
		{IdxPatchDataVal, CharPatchData},
		{IdxPatchStatusVal, CharErr},
		{IdxPatchStatusNtfCfg, CharPatchStatusNtfCfg},
		{IdxNB, CharErr},
		{-1, CharErr},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tag, tbl.Classify(tt.offset), "offset %d", tt.offset)
	}

	s, ok := tbl.Lookup(IdxPatchDataVal)
	require.True(t, ok)
	assert.Equal(t, DefaultPatchDataSize, s.MaxLen)
	assert.True(t, s.UUID.Equal(PatchDataUUID))

	assert.Equal(t,
		[]CharTag{CharMemDev, CharGPIOMap, CharPatchLen, CharPatchData, CharPatchStatusNtfCfg},
		tbl.Tags())
	assert.Len(t, tbl.Values(), 6)
}

func TestCharTablePatchDataSize(t *testing.T) {
	tbl := NewCharTable(244)
	s, ok := tbl.Lookup(IdxPatchDataVal)
	require.True(t, ok)
	assert.Equal(t, 244, s.MaxLen)
}

func TestCharTableValidate(t *testing.T) {
	t.Run("missing attribute", func(t *testing.T) {
		tbl := NewCharTable(0)
		tbl.specs.Delete(IdxGPIOMapChar)
		assert.ErrorIs(t, tbl.Validate(), ErrInvalidTable)
	})

	t.Run("duplicate tag", func(t *testing.T) {
		tbl := NewCharTable(0)
		s, _ := tbl.Lookup(IdxGPIOMapVal)
		s.Tag = CharMemDev
		tbl.add(s)
		assert.ErrorIs(t, tbl.Validate(), ErrInvalidTable)
	})

	t.Run("zero size", func(t *testing.T) {
		tbl := NewCharTable(0)
		s, _ := tbl.Lookup(IdxPatchLenVal)
		s.MaxLen = 0
		tbl.add(s)
		assert.ErrorIs(t, tbl.Validate(), ErrInvalidTable)
	})
}

func TestServiceSpec(t *testing.T) {
	spec := NewCharTable(0).ServiceSpec()
	require.Len(t, spec.Attrs, IdxNB)
	assert.True(t, spec.UUID.Equal(ServiceUUID))
	assert.Equal(t, []byte(ServiceUUID), spec.Attrs[IdxSvc].Value)
	assert.Empty(t, spec.Attrs[IdxPatchStatusVal].Value)
	assert.Equal(t, NotifyConfigSize, spec.Attrs[IdxPatchStatusNtfCfg].MaxLen)
}
