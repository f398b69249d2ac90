package spota_test

import (
	"testing"

	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/spota"
	"github.com/srg/spotar/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ReceiverTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	p      *testutils.Peripheral
}

func (s *ReceiverTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.p = s.helper.NewPeripheral()
}

func (s *ReceiverTestSuite) active() spota.ConnIndex {
	s.p.Created(s.T())
	return s.p.Connected(s.T(), 7, spota.SecEnabled)
}

func (s *ReceiverTestSuite) TestCreateDB() {
	s.p.Receiver.CreateDB(spota.TaskApp, spota.CreateDBRequest{PatchDataSize: 64})

	s.Equal(spota.StateIdle, s.p.Receiver.State())
	s.NotZero(s.p.Receiver.BaseHandle())
	s.Equal([]spota.Message{spota.CreateDBConfirm{Status: spota.StatusOK}}, s.p.Msgr.Sent())

	perm, err := s.p.DB.ServicePermission(s.p.Receiver.BaseHandle())
	s.Require().NoError(err)
	s.Equal(spota.SecDisabled, perm, "service must be hidden until enabled")

	spec, ok := s.p.Receiver.Table().Lookup(spota.IdxPatchDataVal)
	s.Require().True(ok)
	s.Equal(64, spec.MaxLen)
}

func (s *ReceiverTestSuite) TestCreateDBFailureStaysDisabled() {
	// GOAL: a failed registration is reported and leaves the receiver Disabled
	//
	// TEST SCENARIO: service UUID already registered → confirm carries an error status → state unchanged
	_, err := s.p.DB.CreateService(spota.NewCharTable(0).ServiceSpec())
	s.Require().NoError(err)

	s.p.Receiver.CreateDB(spota.TaskApp, spota.CreateDBRequest{})

	s.Equal(spota.StateDisabled, s.p.Receiver.State())
	s.Equal([]spota.Message{spota.CreateDBConfirm{Status: spota.StatusAppError}}, s.p.Msgr.Sent())
}

func (s *ReceiverTestSuite) TestEnable() {
	s.p.Created(s.T())
	s.Require().NoError(s.p.DB.SetValue(s.p.Receiver.HandleOf(spota.IdxPatchStatusNtfCfg), []byte{1, 0}))

	idx := s.p.Connected(s.T(), 7, spota.SecUnauthenticated)

	bound, ok := s.p.Receiver.Bound()
	s.True(ok)
	s.Equal(idx, bound)
	s.Equal([]byte{0, 0}, s.p.Value(s.T(), spota.IdxPatchStatusNtfCfg), "notify config reset on enable")

	perm, err := s.p.DB.ServicePermission(s.p.Receiver.BaseHandle())
	s.Require().NoError(err)
	s.Equal(spota.SecUnauthenticated, perm)
}

func (s *ReceiverTestSuite) TestEnableUnknownConnection() {
	s.p.Created(s.T())

	s.p.Receiver.Enable(spota.TaskApp, spota.EnableRequest{ConnHandle: 42, SecLevel: spota.SecEnabled})

	s.Equal(spota.StateIdle, s.p.Receiver.State())
	_, bound := s.p.Receiver.Bound()
	s.False(bound)
	s.Equal([]spota.Message{
		spota.ErrorIndication{Status: spota.StatusReqDisallowed, Request: spota.MsgEnableRequest},
	}, s.p.Msgr.Sent())
}

func (s *ReceiverTestSuite) TestEnableWhileActiveRebinds() {
	s.active()
	c, err := s.p.Conns.Attach(9, "")
	s.Require().NoError(err)

	s.p.Receiver.Enable(spota.TaskApp, spota.EnableRequest{ConnHandle: 9, SecLevel: spota.SecEnabled})

	bound, ok := s.p.Receiver.Bound()
	s.True(ok)
	s.Equal(c.Index, bound)
	s.Equal(spota.StateActive, s.p.Receiver.State())
}

func (s *ReceiverTestSuite) TestFixedWidthWritesIndicateOnLast() {
	tests := []struct {
		name  string
		idx   int
		value []byte
		want  spota.Message
	}{
		{
			name:  "mem_dev",
			idx:   spota.IdxMemDevVal,
			value: []byte{0x00, 0x00, 0x00, 0x13},
			want:  spota.MemDevIndication{ConnHandle: 7, MemDev: 0x13000000, Char: spota.CharMemDev},
		},
		{
			name:  "gpio_map",
			idx:   spota.IdxGPIOMapVal,
			value: []byte{0x01, 0x00, 0x00, 0x00},
			want:  spota.GPIOMapIndication{ConnHandle: 7, GPIOMap: 1, Char: spota.CharGPIOMap},
		},
		{
			name:  "patch_len",
			idx:   spota.IdxPatchLenVal,
			value: []byte{0x40, 0x01},
			want:  spota.PatchLenIndication{ConnHandle: 7, Len: 320, Char: spota.CharPatchLen},
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			idx := s.active()

			s.p.Write(idx, tt.idx, tt.value, true)

			s.Equal([]spota.Message{tt.want}, s.p.Msgr.Sent())
			s.Equal([]testutils.WriteResponse{
				{Index: idx, Handle: s.p.Receiver.HandleOf(tt.idx), Status: spota.StatusOK},
			}, s.p.Bearer.Responses())
			s.Equal(tt.value, s.p.Value(s.T(), tt.idx))
		})
	}
}

func (s *ReceiverTestSuite) TestIntermediateFragmentIsStoredSilently() {
	idx := s.active()

	s.p.Write(idx, spota.IdxMemDevVal, []byte{1, 2}, false)

	s.Empty(s.p.Msgr.Sent())
	s.Empty(s.p.Bearer.Responses())
	s.Equal([]byte{1, 2}, s.p.Value(s.T(), spota.IdxMemDevVal))
}

func (s *ReceiverTestSuite) TestShortLastFragmentIndicatesZeroPadded() {
	// GOAL: a last fragment shorter than the field width still yields exactly one indication
	//
	// TEST SCENARIO: short value (last) → value stored as written → indication decoded with missing bytes as zero → ack OK
	tests := []struct {
		name  string
		idx   int
		value []byte
		want  spota.Message
	}{
		{
			name:  "mem_dev one byte",
			idx:   spota.IdxMemDevVal,
			value: []byte{0x13},
			want:  spota.MemDevIndication{ConnHandle: 7, MemDev: 0x13, Char: spota.CharMemDev},
		},
		{
			name:  "gpio_map two bytes",
			idx:   spota.IdxGPIOMapVal,
			value: []byte{0x01, 0x00},
			want:  spota.GPIOMapIndication{ConnHandle: 7, GPIOMap: 1, Char: spota.CharGPIOMap},
		},
		{
			name:  "patch_len one byte",
			idx:   spota.IdxPatchLenVal,
			value: []byte{0x05},
			want:  spota.PatchLenIndication{ConnHandle: 7, Len: 5, Char: spota.CharPatchLen},
		},
		{
			name:  "patch_len empty",
			idx:   spota.IdxPatchLenVal,
			value: []byte{},
			want:  spota.PatchLenIndication{ConnHandle: 7, Len: 0, Char: spota.CharPatchLen},
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			idx := s.active()

			s.p.Write(idx, tt.idx, tt.value, true)

			s.Equal([]spota.Message{tt.want}, s.p.Msgr.Sent())
			s.Equal([]testutils.WriteResponse{
				{Index: idx, Handle: s.p.Receiver.HandleOf(tt.idx), Status: spota.StatusOK},
			}, s.p.Bearer.Responses())
		})
	}
}

func (s *ReceiverTestSuite) TestNotifyConfigWrite() {
	idx := s.active()

	s.p.Write(idx, spota.IdxPatchStatusNtfCfg, []byte{1, 0}, true)

	s.Empty(s.p.Msgr.Sent())
	s.Equal(spota.StatusOK, s.p.Bearer.Responses()[0].Status)
	s.Equal([]byte{1, 0}, s.p.Value(s.T(), spota.IdxPatchStatusNtfCfg))
}

func (s *ReceiverTestSuite) TestPatchDataOverrun() {
	// GOAL: only one patch-data chunk may be outstanding
	//
	// TEST SCENARIO: chunk [1,2,3,4] (not last) → flag set, no ack → chunk [5,6] (last) → app error, first chunk kept
	idx := s.active()

	s.p.Write(idx, spota.IdxPatchDataVal, []byte{1, 2, 3, 4}, false)
	s.Empty(s.p.Bearer.Responses())
	s.Empty(s.p.Msgr.Sent())
	s.True(s.p.Receiver.PendingChunk())

	s.p.Write(idx, spota.IdxPatchDataVal, []byte{5, 6}, true)
	s.Equal([]testutils.WriteResponse{
		{Index: idx, Handle: s.p.Receiver.HandleOf(spota.IdxPatchDataVal), Status: spota.StatusAppError},
	}, s.p.Bearer.Responses())
	s.Empty(s.p.Msgr.Sent())
	s.True(s.p.Receiver.PendingChunk())
	s.Equal([]byte{1, 2, 3, 4}, s.p.Value(s.T(), spota.IdxPatchDataVal))
}

func (s *ReceiverTestSuite) TestPatchDataAcknowledgedChunkFlow() {
	idx := s.active()

	for i, chunk := range [][]byte{{1, 2, 3}, {4, 5}} {
		s.p.Write(idx, spota.IdxPatchDataVal, chunk, true)
		s.True(s.p.Receiver.PendingChunk())
		s.Equal(spota.PatchDataIndication{ConnHandle: 7, Data: chunk, Len: len(chunk), Char: spota.CharPatchData}, s.p.Msgr.Sent()[i])
		s.p.Receiver.AcknowledgePatchChunk()
		s.False(s.p.Receiver.PendingChunk())
	}
	for _, r := range s.p.Bearer.Responses() {
		s.Equal(spota.StatusOK, r.Status)
	}
}

func (s *ReceiverTestSuite) TestPatchDataIndicationIsACopy() {
	idx := s.active()
	chunk := []byte{1, 2, 3}

	s.p.Write(idx, spota.IdxPatchDataVal, chunk, true)
	chunk[0] = 0xAA

	ind := s.p.Msgr.Sent()[0].(spota.PatchDataIndication)
	s.Equal([]byte{1, 2, 3}, ind.Data)
}

func (s *ReceiverTestSuite) TestPatchDataTooLong() {
	idx := s.active()

	s.p.Write(idx, spota.IdxPatchDataVal, make([]byte, spota.DefaultPatchDataSize+1), true)

	s.Equal(spota.StatusInvalidParam, s.p.Bearer.Responses()[0].Status)
	s.False(s.p.Receiver.PendingChunk())
}

func (s *ReceiverTestSuite) TestWritesDropped() {
	idx := s.active()

	s.Run("mismatched connection", func() {
		s.p.Write(idx+1, spota.IdxMemDevVal, []byte{1, 0, 0, 0}, true)
		s.Empty(s.p.Bearer.Responses())
		s.Empty(s.p.Msgr.Sent())
		s.Empty(s.p.Value(s.T(), spota.IdxMemDevVal))
	})

	s.Run("unknown attribute", func() {
		for _, off := range []int{spota.IdxSvc, spota.IdxMemDevChar, spota.IdxMemInfoVal, spota.IdxPatchStatusVal, spota.IdxNB + 3} {
			s.p.Write(idx, off, []byte{1}, true)
		}
		s.Empty(s.p.Bearer.Responses())
		s.Empty(s.p.Msgr.Sent())
	})
}

func (s *ReceiverTestSuite) TestUpdateStatus() {
	idx := s.active()
	statusHandle := s.p.Receiver.HandleOf(spota.IdxPatchStatusVal)

	s.Run("notifications disabled", func() {
		s.p.Receiver.UpdateStatus(spota.StatusUpdateRequest{Status: 0x10})
		s.Empty(s.p.Bearer.Notifications())
		s.Empty(s.p.Value(s.T(), spota.IdxPatchStatusVal))
	})

	s.Require().NoError(s.p.DB.SetValue(s.p.Receiver.HandleOf(spota.IdxPatchStatusNtfCfg), []byte{1, 0}))

	s.Run("changed value is notified", func() {
		s.p.Receiver.UpdateStatus(spota.StatusUpdateRequest{Status: 0x10})
		s.Equal([]testutils.Notification{{Index: idx, Handle: statusHandle, Value: []byte{0x10}}}, s.p.Bearer.Notifications())
		s.Equal([]byte{0x10}, s.p.Value(s.T(), spota.IdxPatchStatusVal))
	})

	s.Run("unchanged value is not notified", func() {
		s.p.Receiver.UpdateStatus(spota.StatusUpdateRequest{Status: 0x10})
		s.Len(s.p.Bearer.Notifications(), 1)
	})

	s.Run("zero on empty slot is unchanged", func() {
		s.SetupTest()
		s.active()
		s.Require().NoError(s.p.DB.SetValue(s.p.Receiver.HandleOf(spota.IdxPatchStatusNtfCfg), []byte{1, 0}))
		s.p.Receiver.UpdateStatus(spota.StatusUpdateRequest{Status: 0})
		s.Empty(s.p.Bearer.Notifications())
	})
}

func (s *ReceiverTestSuite) TestUpdateMemInfo() {
	s.p.Receiver.UpdateMemInfo(spota.MemInfoUpdateRequest{MemInfo: 1})
	s.Equal(spota.StateDisabled, s.p.Receiver.State())

	s.p.Created(s.T())
	s.p.Receiver.UpdateMemInfo(spota.MemInfoUpdateRequest{MemInfo: 0x01020304})
	s.Equal([]byte{4, 3, 2, 1}, s.p.Value(s.T(), spota.IdxMemInfoVal))

	s.p.Receiver.UpdateMemInfo(spota.MemInfoUpdateRequest{MemInfo: 0x01020304})
	s.Equal([]byte{4, 3, 2, 1}, s.p.Value(s.T(), spota.IdxMemInfoVal))
}

func (s *ReceiverTestSuite) TestDisconnect() {
	// GOAL: a disconnect of the bound link resets the session
	//
	// TEST SCENARIO: pending chunk → disconnect → Idle, unbound, flag clear, app told → new link starts clean
	idx := s.active()
	s.p.Write(idx, spota.IdxPatchDataVal, []byte{1}, true)
	s.Require().True(s.p.Receiver.PendingChunk())
	s.p.Msgr.Reset()

	s.p.Receiver.HandleDisconnect(idx+1, spota.DisconnectIndication{ConnHandle: 8, Reason: 0x13})
	s.Equal(spota.StateActive, s.p.Receiver.State(), "other links are ignored")

	s.p.Receiver.HandleDisconnect(idx, spota.DisconnectIndication{ConnHandle: 7, Reason: 0x08})

	s.Equal(spota.StateIdle, s.p.Receiver.State())
	s.False(s.p.Receiver.PendingChunk())
	_, bound := s.p.Receiver.Bound()
	s.False(bound)
	s.Equal([]spota.Message{spota.DisableIndication{ConnHandle: 7}}, s.p.Msgr.Sent())

	perm, err := s.p.DB.ServicePermission(s.p.Receiver.BaseHandle())
	s.Require().NoError(err)
	s.Equal(spota.SecDisabled, perm)

	_, err = s.p.Conns.Disconnect(7)
	s.Require().NoError(err)
	idx = s.p.Connected(s.T(), 11, spota.SecEnabled)
	s.False(s.p.Receiver.PendingChunk())

	s.p.Write(idx, spota.IdxPatchDataVal, []byte{2}, true)
	s.Equal(spota.StatusOK, s.p.Bearer.Responses()[len(s.p.Bearer.Responses())-1].Status)
}

func (s *ReceiverTestSuite) TestDisable() {
	s.active()

	s.p.Receiver.Disable(99)
	s.Equal(spota.StateActive, s.p.Receiver.State())

	s.p.Receiver.Disable(7)
	s.Equal(spota.StateIdle, s.p.Receiver.State())

	s.p.Receiver.Disable(7)
	s.Len(s.p.Msgr.Sent(), 1, "second disable is a no-op")
}

func TestReceiverTestSuite(t *testing.T) {
	suite.Run(t, new(ReceiverTestSuite))
}

func TestReceiverKernelRouting(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	p := helper.NewPeripheral()
	k := kernel.New(helper.Logger)
	if err := p.Receiver.Register(k); err != nil {
		t.Fatal(err)
	}

	post := func(msg spota.Message, srcIdx uint8) {
		if err := k.Post(kernel.Envelope{Dest: spota.TaskReceiver, Src: spota.TaskApp, SrcIdx: srcIdx, Msg: msg}); err != nil {
			t.Fatal(err)
		}
		k.Drain()
	}

	// Enable is not routed while Disabled.
	_, _ = p.Conns.Attach(7, "")
	post(spota.EnableRequest{ConnHandle: 7}, 0)
	if p.Receiver.State() != spota.StateDisabled {
		t.Fatalf("state = %s, want disabled", p.Receiver.State())
	}

	post(spota.CreateDBRequest{}, 0)
	if got := k.State(spota.TaskReceiver); got != kernel.StateID(spota.StateIdle) {
		t.Fatalf("kernel state = %d, want idle", got)
	}

	// A second CreateDB is not routed outside Disabled.
	post(spota.CreateDBRequest{}, 0)
	if n := len(p.Msgr.Sent()); n != 1 {
		t.Fatalf("confirms = %d, want 1", n)
	}

	// Writes are not routed while Idle.
	post(spota.WriteIndication{Handle: p.Receiver.HandleOf(spota.IdxPatchDataVal), Value: []byte{1}, Last: true}, 0)
	if p.Receiver.PendingChunk() {
		t.Fatal("write routed while idle")
	}

	post(spota.EnableRequest{ConnHandle: 7, SecLevel: spota.SecEnabled}, 0)
	post(spota.WriteIndication{Handle: p.Receiver.HandleOf(spota.IdxPatchDataVal), Value: []byte{1}, Last: true}, 0)
	if !p.Receiver.PendingChunk() {
		t.Fatal("write not routed while active")
	}
	post(spota.PatchChunkAck{}, 0)
	if p.Receiver.PendingChunk() {
		t.Fatal("ack not routed")
	}

	post(spota.MemInfoUpdateRequest{MemInfo: 5}, 0)
	post(spota.DisconnectIndication{ConnHandle: 7, Reason: 0x13}, 0)
	if got := k.State(spota.TaskReceiver); got != kernel.StateID(spota.StateIdle) {
		t.Fatalf("kernel state after disconnect = %d, want idle", got)
	}
}
