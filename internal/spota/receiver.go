package spota

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/kernel"
)

// Disconnect reasons that are part of a normal session end.
const (
	ReasonRemoteUserTerminated = 0x13
	ReasonLocalHostTerminated  = 0x16
)

// connContext is the single bound connection.
type connContext struct {
	bound bool
	idx   ConnIndex
	app   TaskID
}

type writeHandler func(ind WriteIndication) Status

// Receiver is the SPOTA receiver task. All methods must be called from a
// single goroutine (the kernel task that owns it, or a test).
type Receiver struct {
	db     AttributeDB
	conns  ConnectionTable
	msgr   Messenger
	bearer Bearer
	logger *logrus.Logger

	table  *CharTable
	writes map[CharTag]writeHandler

	state   State
	onState func(State)
	base    Handle
	con     connContext

	// pendingChunk is set when a patch-data chunk has been stored and not
	// yet acknowledged by the application.
	pendingChunk bool
}

// NewReceiver creates a receiver in the Disabled state.
func NewReceiver(db AttributeDB, conns ConnectionTable, msgr Messenger, bearer Bearer, logger *logrus.Logger) *Receiver {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Receiver{
		db:     db,
		conns:  conns,
		msgr:   msgr,
		bearer: bearer,
		logger: logger,
		table:  NewCharTable(DefaultPatchDataSize),
		state:  StateDisabled,
	}
	r.writes = map[CharTag]writeHandler{
		CharMemDev:            r.writeMemDev,
		CharGPIOMap:           r.writeGPIOMap,
		CharPatchLen:          r.writePatchLen,
		CharPatchData:         r.writePatchData,
		CharPatchStatusNtfCfg: r.writeNotifyConfig,
	}
	return r
}

// State returns the lifecycle state.
func (r *Receiver) State() State { return r.state }

// BaseHandle returns the service start handle (zero before CreateDB succeeds).
func (r *Receiver) BaseHandle() Handle { return r.base }

// Table returns the active characteristic table.
func (r *Receiver) Table() *CharTable { return r.table }

// PendingChunk reports whether a patch-data chunk awaits acknowledgement.
func (r *Receiver) PendingChunk() bool { return r.pendingChunk }

// Bound returns the bound connection index, if any.
func (r *Receiver) Bound() (ConnIndex, bool) { return r.con.idx, r.con.bound }

// HandleOf returns the attribute handle of an attribute index.
func (r *Receiver) HandleOf(idx int) Handle { return r.base + Handle(idx) }

func (r *Receiver) setState(s State) {
	if r.state != s {
		r.logger.WithFields(logrus.Fields{"from": r.state, "to": s}).Debug("SPOTA receiver state change")
	}
	r.state = s
	if r.onState != nil {
		r.onState(s)
	}
}

// validate checks the table once at registration: its structure, and that
// every routed tag has a write handler.
func (r *Receiver) validate(t *CharTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, tag := range t.Tags() {
		if r.writes[tag] == nil {
			return fmt.Errorf("%w: no write handler for %s", ErrInvalidTable, tag)
		}
	}
	return nil
}

// CreateDB registers the service, hides it until a connection is enabled
// and moves to Idle on success. A confirmation is always sent to src.
func (r *Receiver) CreateDB(src TaskID, req CreateDBRequest) {
	status := r.createDB(req)
	r.msgr.Send(src, TaskReceiver, CreateDBConfirm{Status: status})
}

func (r *Receiver) createDB(req CreateDBRequest) Status {
	table := NewCharTable(req.PatchDataSize)
	if err := r.validate(table); err != nil {
		r.logger.WithField("error", err).Error("SPOTA attribute table rejected")
		return StatusInvalidParam
	}

	base, err := r.db.CreateService(table.ServiceSpec())
	if err != nil {
		r.logger.WithField("error", err).Error("Failed to create SPOTA service")
		return StatusOf(err)
	}
	if err := r.db.SetServicePermission(base, SecDisabled); err != nil {
		r.logger.WithField("error", err).Warn("Failed to hide SPOTA service")
	}

	r.table = table
	r.base = base
	r.setState(StateIdle)

	r.logger.WithFields(logrus.Fields{
		"base_handle":     base,
		"attributes":      table.Len(),
		"patch_data_size": req.PatchDataSize,
	}).Info("SPOTA service created")
	return StatusOK
}

// Enable binds the receiver to the connection behind req.ConnHandle.
// An unknown connection is reported to src with StatusReqDisallowed and
// leaves the receiver unchanged.
func (r *Receiver) Enable(src TaskID, req EnableRequest) {
	idx := r.conns.Index(req.ConnHandle)
	if idx == InvalidConnIndex {
		r.logger.WithField("conn_handle", req.ConnHandle).Warn("SPOTA enable for unknown connection")
		r.msgr.Send(src, TaskReceiver, ErrorIndication{Status: StatusReqDisallowed, Request: MsgEnableRequest})
		return
	}

	r.con = connContext{bound: true, idx: idx, app: src}

	if err := r.db.SetValue(r.HandleOf(IdxPatchStatusNtfCfg), make([]byte, NotifyConfigSize)); err != nil {
		r.logger.WithField("error", err).Warn("Failed to reset status notification config")
	}
	if err := r.db.SetServicePermission(r.base, req.SecLevel); err != nil {
		r.logger.WithField("error", err).Warn("Failed to apply SPOTA security level")
	}

	r.setState(StateActive)
	r.logger.WithFields(logrus.Fields{
		"conn_handle": req.ConnHandle,
		"conn_index":  idx,
		"sec_level":   req.SecLevel,
		"app_task":    fmt.Sprintf("0x%04x", uint16(src)),
	}).Info("SPOTA receiver enabled")
}

// Disable unbinds the receiver if conhdl resolves to the bound connection.
func (r *Receiver) Disable(conhdl ConnHandle) {
	if !r.con.bound {
		return
	}
	if idx := r.conns.Index(conhdl); idx != r.con.idx {
		r.logger.WithField("conn_handle", conhdl).Debug("SPOTA disable for unbound connection ignored")
		return
	}
	r.disable(conhdl)
}

func (r *Receiver) disable(conhdl ConnHandle) {
	if err := r.db.SetServicePermission(r.base, SecDisabled); err != nil {
		r.logger.WithField("error", err).Warn("Failed to hide SPOTA service")
	}

	app := r.con.app
	r.con = connContext{}
	r.pendingChunk = false

	r.msgr.Send(app, TaskReceiver, DisableIndication{ConnHandle: conhdl})
	r.setState(StateIdle)
	r.logger.WithField("conn_handle", conhdl).Info("SPOTA receiver disabled")
}

// HandleDisconnect processes a disconnect on link srcIdx.
func (r *Receiver) HandleDisconnect(srcIdx ConnIndex, ind DisconnectIndication) {
	if !r.con.bound || srcIdx != r.con.idx {
		return
	}
	if ind.Reason != ReasonRemoteUserTerminated && ind.Reason != ReasonLocalHostTerminated {
		r.logger.WithFields(logrus.Fields{
			"conn_handle": ind.ConnHandle,
			"reason":      fmt.Sprintf("0x%02x", ind.Reason),
			"pending":     r.pendingChunk,
		}).Warn("SPOTA peer lost abnormally")
	}
	r.disable(ind.ConnHandle)
}

// HandleWrite dispatches a peer write from link srcIdx.
func (r *Receiver) HandleWrite(srcIdx ConnIndex, ind WriteIndication) {
	if !r.con.bound || srcIdx != r.con.idx {
		r.logger.WithFields(logrus.Fields{
			"conn_index": srcIdx,
			"handle":     ind.Handle,
		}).Debug("Write from unbound connection dropped")
		return
	}

	tag := r.table.Classify(int(ind.Handle) - int(r.base))
	h := r.writes[tag]
	if h == nil {
		r.logger.WithFields(logrus.Fields{
			"handle": ind.Handle,
			"len":    len(ind.Value),
		}).Warn("Write to unknown SPOTA attribute")
		return
	}

	status := h(ind)
	r.logger.WithFields(logrus.Fields{
		"char":   tag,
		"handle": ind.Handle,
		"len":    len(ind.Value),
		"last":   ind.Last,
		"status": status,
	}).Debug("SPOTA write processed")

	// Intermediate fragments are answered by the transport; the profile
	// responds once the logical value is complete, or on rejection.
	if ind.Last || status != StatusOK {
		r.bearer.SendWriteResponse(srcIdx, ind.Handle, status)
	}
}

func (r *Receiver) store(ind WriteIndication) Status {
	if err := r.db.SetValue(ind.Handle, ind.Value); err != nil {
		r.logger.WithFields(logrus.Fields{"handle": ind.Handle, "error": err}).Warn("Failed to store SPOTA value")
		return StatusOf(err)
	}
	return StatusOK
}

func (r *Receiver) connHandle() ConnHandle {
	return r.conns.Handle(r.con.idx)
}

func (r *Receiver) indicate(msg Message) {
	r.msgr.Send(r.con.app, TaskReceiver, msg)
}

func (r *Receiver) writeMemDev(ind WriteIndication) Status {
	if st := r.store(ind); st != StatusOK {
		return st
	}
	if !ind.Last {
		return StatusOK
	}
	r.indicate(MemDevIndication{ConnHandle: r.connHandle(), MemDev: DecodeMemDev(ind.Value), Char: CharMemDev})
	return StatusOK
}

func (r *Receiver) writeGPIOMap(ind WriteIndication) Status {
	if st := r.store(ind); st != StatusOK {
		return st
	}
	if !ind.Last {
		return StatusOK
	}
	r.indicate(GPIOMapIndication{ConnHandle: r.connHandle(), GPIOMap: DecodeGPIOMap(ind.Value), Char: CharGPIOMap})
	return StatusOK
}

func (r *Receiver) writePatchLen(ind WriteIndication) Status {
	if st := r.store(ind); st != StatusOK {
		return st
	}
	if !ind.Last {
		return StatusOK
	}
	r.indicate(PatchLenIndication{ConnHandle: r.connHandle(), Len: DecodePatchLen(ind.Value), Char: CharPatchLen})
	return StatusOK
}

func (r *Receiver) writeNotifyConfig(ind WriteIndication) Status {
	return r.store(ind)
}

func (r *Receiver) writePatchData(ind WriteIndication) Status {
	if r.pendingChunk {
		r.logger.WithField("len", len(ind.Value)).Warn("Patch data overrun: previous chunk not consumed")
		return StatusAppError
	}
	if st := r.store(ind); st != StatusOK {
		return st
	}
	r.pendingChunk = true

	if ind.Last {
		data := make([]byte, len(ind.Value))
		copy(data, ind.Value)
		r.indicate(PatchDataIndication{
			ConnHandle: r.connHandle(),
			Data:       data,
			Len:        len(data),
			Char:       CharPatchData,
		})
	}
	return StatusOK
}

// UpdateStatus stores and notifies a new patch status, only when the peer
// enabled notifications and the value differs from the stored one.
func (r *Receiver) UpdateStatus(req StatusUpdateRequest) {
	if !r.con.bound {
		return
	}
	h := r.HandleOf(IdxPatchStatusVal)

	cfg, err := r.db.Value(r.HandleOf(IdxPatchStatusNtfCfg))
	if err != nil {
		r.logger.WithField("error", err).Warn("Failed to read status notification config")
		return
	}
	cur, err := r.db.Value(h)
	if err != nil {
		r.logger.WithField("error", err).Warn("Failed to read patch status")
		return
	}

	var stored uint8
	if len(cur) > 0 {
		stored = cur[0]
	}
	if !DecodeNotifyConfig(cfg) || stored == req.Status {
		r.logger.WithFields(logrus.Fields{
			"status": fmt.Sprintf("0x%02x", req.Status),
			"stored": fmt.Sprintf("0x%02x", stored),
		}).Debug("Patch status notification skipped")
		return
	}

	v := []byte{req.Status}
	if err := r.db.SetValue(h, v); err != nil {
		r.logger.WithField("error", err).Warn("Failed to store patch status")
		return
	}
	r.bearer.SendNotification(r.con.idx, h, v)
}

// UpdateMemInfo overwrites the memory-info characteristic.
func (r *Receiver) UpdateMemInfo(req MemInfoUpdateRequest) {
	if r.state == StateDisabled {
		r.logger.Debug("Memory info update before service creation ignored")
		return
	}
	if err := r.db.SetValue(r.HandleOf(IdxMemInfoVal), EncodeMemInfo(req.MemInfo)); err != nil {
		r.logger.WithField("error", err).Warn("Failed to store memory info")
	}
}

// AcknowledgePatchChunk clears the single-outstanding-chunk gate. It is
// driven by the application once it has consumed the last chunk.
func (r *Receiver) AcknowledgePatchChunk() {
	r.pendingChunk = false
}

// Register installs the receiver as TaskReceiver in k and keeps the kernel
// task state in step with the lifecycle state.
func (r *Receiver) Register(k *kernel.Kernel) error {
	active := kernel.StateHandlers{
		MsgEnableRequest: on(func(env kernel.Envelope, m EnableRequest) { r.Enable(env.Src, m) }),
		MsgWriteIndication: on(func(env kernel.Envelope, m WriteIndication) {
			r.HandleWrite(ConnIndex(env.SrcIdx), m)
		}),
		MsgStatusUpdateRequest: on(func(_ kernel.Envelope, m StatusUpdateRequest) { r.UpdateStatus(m) }),
		MsgPatchChunkAck:       on(func(kernel.Envelope, PatchChunkAck) { r.AcknowledgePatchChunk() }),
	}

	desc := kernel.TaskDesc{
		Name:    "spotar",
		Initial: kernel.StateID(r.state),
		States: map[kernel.StateID]kernel.StateHandlers{
			kernel.StateID(StateDisabled): {
				MsgCreateDBRequest: on(func(env kernel.Envelope, m CreateDBRequest) { r.CreateDB(env.Src, m) }),
			},
			kernel.StateID(StateIdle): {
				MsgEnableRequest: on(func(env kernel.Envelope, m EnableRequest) { r.Enable(env.Src, m) }),
			},
			kernel.StateID(StateActive): active,
		},
		Default: kernel.StateHandlers{
			MsgDisconnectIndication: on(func(env kernel.Envelope, m DisconnectIndication) {
				r.HandleDisconnect(ConnIndex(env.SrcIdx), m)
			}),
			MsgMemInfoUpdateRequest: on(func(_ kernel.Envelope, m MemInfoUpdateRequest) { r.UpdateMemInfo(m) }),
		},
	}
	if err := k.RegisterTask(TaskReceiver, desc); err != nil {
		return err
	}
	r.onState = func(s State) { k.SetState(TaskReceiver, kernel.StateID(s)) }
	return nil
}

// on adapts a typed message handler to a kernel.Handler.
func on[T Message](fn func(env kernel.Envelope, m T)) kernel.Handler {
	return func(env kernel.Envelope) {
		if m, ok := env.Msg.(T); ok {
			fn(env, m)
		}
	}
}
