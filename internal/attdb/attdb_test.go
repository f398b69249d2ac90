package attdb

import (
	"testing"

	ble "github.com/go-ble/ble"
	"github.com/srg/spotar/internal/spota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec(u ble.UUID, n int) spota.ServiceSpec {
	spec := spota.ServiceSpec{UUID: u}
	for i := 0; i < n; i++ {
		spec.Attrs = append(spec.Attrs, spota.AttrSpec{UUID: ble.UUID16(uint16(0x2A00 + i)), MaxLen: 4})
	}
	return spec
}

func TestCreateServiceAllocatesContiguousRanges(t *testing.T) {
	db := New(nil)

	a, err := db.CreateService(testSpec(ble.UUID16(0x1800), 3))
	require.NoError(t, err)
	assert.Equal(t, spota.Handle(1), a)

	b, err := db.CreateService(testSpec(ble.UUID16(0xFEF5), 5))
	require.NoError(t, err)
	assert.Equal(t, spota.Handle(4), b)

	attr, ok := db.At(8)
	require.True(t, ok)
	assert.Equal(t, spota.Handle(8), attr.Handle)

	_, ok = db.At(9)
	assert.False(t, ok)
	_, ok = db.At(0)
	assert.False(t, ok)
}

func TestCreateServiceRejectsDuplicateAndEmpty(t *testing.T) {
	db := New(nil)
	_, err := db.CreateService(testSpec(ble.UUID16(0xFEF5), 2))
	require.NoError(t, err)

	_, err = db.CreateService(testSpec(ble.UUID16(0xFEF5), 2))
	assert.ErrorIs(t, err, ErrServiceExists)

	_, err = db.CreateService(spota.ServiceSpec{UUID: ble.UUID16(0x1801)})
	assert.ErrorIs(t, err, ErrEmptyService)
}

func TestSetValue(t *testing.T) {
	db := New(nil)
	base, err := db.CreateService(testSpec(ble.UUID16(0xFEF5), 2))
	require.NoError(t, err)

	t.Run("stores a copy", func(t *testing.T) {
		in := []byte{1, 2, 3}
		require.NoError(t, db.SetValue(base, in))
		in[0] = 9

		got, err := db.Value(base)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, got)

		got[1] = 9
		again, _ := db.Value(base)
		assert.Equal(t, []byte{1, 2, 3}, again)
	})

	t.Run("rejects values over the slot size", func(t *testing.T) {
		err := db.SetValue(base, []byte{1, 2, 3, 4, 5})
		assert.ErrorIs(t, err, ErrValueTooLong)
		assert.Equal(t, spota.StatusInvalidParam, spota.StatusOf(err))

		got, _ := db.Value(base)
		assert.Equal(t, []byte{1, 2, 3}, got)
	})

	t.Run("rejects unknown handles", func(t *testing.T) {
		err := db.SetValue(base+2, []byte{1})
		assert.ErrorIs(t, err, ErrInvalidHandle)
		assert.Equal(t, spota.StatusInexistentHandle, spota.StatusOf(err))

		_, err = db.Value(0)
		assert.ErrorIs(t, err, ErrInvalidHandle)
	})
}

func TestCheckAccess(t *testing.T) {
	db := New(nil)
	base, err := db.CreateService(testSpec(ble.UUID16(0xFEF5), 3))
	require.NoError(t, err)

	tests := []struct {
		name    string
		service spota.SecurityLevel
		link    spota.SecurityLevel
		allowed bool
	}{
		{"open service", spota.SecEnabled, spota.SecEnabled, true},
		{"disabled service", spota.SecDisabled, spota.SecAuthenticated, false},
		{"unauthenticated link on authenticated service", spota.SecAuthenticated, spota.SecUnauthenticated, false},
		{"authenticated link on unauthenticated service", spota.SecUnauthenticated, spota.SecAuthenticated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, db.SetServicePermission(base, tt.service))
			err := db.CheckAccess(base+1, tt.link)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			var perr *PermissionError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, base+1, perr.Handle)
			assert.Equal(t, tt.service, perr.Required)
		})
	}

	assert.ErrorIs(t, db.SetServicePermission(base+1, spota.SecEnabled), ErrInvalidHandle)
	assert.ErrorIs(t, db.CheckAccess(100, spota.SecEnabled), ErrInvalidHandle)
}

func TestSubrange(t *testing.T) {
	db := New(nil)
	_, err := db.CreateService(testSpec(ble.UUID16(0x1800), 3))
	require.NoError(t, err)
	_, err = db.CreateService(testSpec(ble.UUID16(0x1801), 3))
	require.NoError(t, err)

	handles := func(aa []Attribute) []spota.Handle {
		var out []spota.Handle
		for _, a := range aa {
			out = append(out, a.Handle)
		}
		return out
	}

	assert.Equal(t, []spota.Handle{2, 3, 4, 5}, handles(db.Subrange(2, 5)))
	assert.Equal(t, []spota.Handle{1, 2, 3, 4, 5, 6}, handles(db.Subrange(0, 0xFFFF)))
	assert.Empty(t, db.Subrange(7, 100))
	assert.Empty(t, db.Subrange(5, 1))
}

func TestHandleRangeAt(t *testing.T) {
	r := &handleRange{hh: make([]Attribute, 3), base: 4}
	for i := range r.hh {
		r.hh[i].Handle = r.base + spota.Handle(i)
	}

	for _, n := range []spota.Handle{0, 2, 3, 7, 8, 100} {
		_, ok := r.At(n)
		assert.False(t, ok, "At(%d)", n)
	}
	for _, n := range []spota.Handle{4, 5, 6} {
		a, ok := r.At(n)
		require.True(t, ok, "At(%d)", n)
		assert.Equal(t, n, a.Handle)
	}
	assert.Equal(t, spota.Handle(6), r.end())
}
