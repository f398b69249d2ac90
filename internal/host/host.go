// Package host is the application side of a SPOTA session: it consumes the
// receiver's indications, assembles patch blocks and writes them to an image
// sink.
package host

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/spota"
)

// Stats is a snapshot of the image transfer.
type Stats struct {
	Ready      bool   `json:"ready"`
	MemDev     uint32 `json:"mem_dev"`
	GPIOMap    uint32 `json:"gpio_map"`
	BlockLen   uint16 `json:"block_len"`
	Buffered   int    `json:"buffered"`
	Chunks     uint64 `json:"chunks"`
	Blocks     uint64 `json:"blocks"`
	Written    uint64 `json:"written"`
	LastStatus string `json:"last_status,omitempty"`
}

// Host is the application task. Its handlers run on the kernel goroutine;
// Stats may be called from any goroutine.
type Host struct {
	logger *logrus.Logger
	msgr   spota.Messenger
	sink   io.Writer

	mu    sync.Mutex
	block *ringbuffer.RingBuffer
	stats Stats
	last  Status
	flush func() error
}

// New creates a host writing completed blocks to sink.
func New(msgr spota.Messenger, sink io.Writer, logger *logrus.Logger) *Host {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = io.Discard
	}
	h := &Host{logger: logger, msgr: msgr, sink: sink}
	if s, ok := sink.(interface{ Sync() error }); ok {
		h.flush = s.Sync
	}
	return h
}

// Register installs the host as spota.TaskApp.
func (h *Host) Register(k *kernel.Kernel) error {
	return k.RegisterTask(spota.TaskApp, kernel.TaskDesc{
		Name: "host",
		Default: kernel.StateHandlers{
			spota.MsgCreateDBConfirm:     on(h.onCreateDBConfirm),
			spota.MsgErrorIndication:     on(h.onError),
			spota.MsgDisableIndication:   on(h.onDisable),
			spota.MsgMemDevIndication:    on(h.onMemDev),
			spota.MsgGPIOMapIndication:   on(h.onGPIOMap),
			spota.MsgPatchLenIndication:  on(h.onPatchLen),
			spota.MsgPatchDataIndication: on(h.onPatchData),
		},
	})
}

func on[T spota.Message](fn func(m T)) kernel.Handler {
	return func(env kernel.Envelope) {
		if m, ok := env.Msg.(T); ok {
			fn(m)
		}
	}
}

// Start asks the receiver to create its service.
func (h *Host) Start(patchDataSize int) {
	h.msgr.Send(spota.TaskReceiver, spota.TaskApp, spota.CreateDBRequest{PatchDataSize: patchDataSize})
}

// Stats returns a snapshot of the transfer.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	if h.block != nil {
		s.Buffered = h.block.Length()
	}
	if h.last != 0 {
		s.LastStatus = h.last.String()
	}
	return s
}

func (h *Host) report(s Status) {
	h.last = s
	h.msgr.Send(spota.TaskReceiver, spota.TaskApp, spota.StatusUpdateRequest{Status: uint8(s)})
}

func (h *Host) onCreateDBConfirm(m spota.CreateDBConfirm) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.Status != spota.StatusOK {
		h.logger.WithField("status", m.Status).Error("SPOTA service creation failed")
		return
	}
	h.stats.Ready = true
	h.logger.Info("SPOTA service ready")
}

func (h *Host) onError(m spota.ErrorIndication) {
	h.logger.WithField("error", m.Err()).Warn("SPOTA request rejected")
}

func (h *Host) onDisable(m spota.DisableIndication) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.block != nil && h.block.Length() > 0 {
		h.logger.WithFields(logrus.Fields{
			"conn_handle": m.ConnHandle,
			"discarded":   h.block.Length(),
		}).Warn("SPOTA session ended with a partial block")
	}
	h.resetLocked()
	h.last = 0
}

func (h *Host) resetLocked() {
	if h.block != nil {
		h.block.Reset()
	}
	h.block = nil
	h.stats.BlockLen = 0
}

func (h *Host) onMemDev(m spota.MemDevIndication) {
	h.mu.Lock()
	defer h.mu.Unlock()

	memType := uint8(m.MemDev >> 24)
	fields := logrus.Fields{
		"mem_dev":  fmt.Sprintf("0x%08x", m.MemDev),
		"mem_type": fmt.Sprintf("0x%02x", memType),
	}

	switch {
	case isCommand(memType):
		if memType == CmdEnd {
			if err := h.flushLocked(); err != nil {
				h.logger.WithFields(fields).WithField("error", err).Error("Failed to flush image")
				h.report(StatusExtMemWriteErr)
				return
			}
		}
		h.resetLocked()
		h.logger.WithFields(fields).WithField("written", h.stats.Written).Info("SPOTA session command")
		h.report(StatusSrvExit)
	case isMemType(memType):
		h.stats.MemDev = m.MemDev
		h.stats.Written = 0
		h.stats.Blocks = 0
		h.stats.Chunks = 0
		h.resetLocked()
		h.logger.WithFields(fields).Info("SPOTA image started")
		h.report(StatusImgStarted)
	default:
		h.logger.WithFields(fields).Warn("Unsupported SPOTA memory type")
		h.report(StatusInvalMemType)
	}
}

func (h *Host) onGPIOMap(m spota.GPIOMapIndication) {
	h.mu.Lock()
	h.stats.GPIOMap = m.GPIOMap
	h.mu.Unlock()
	h.logger.WithField("gpio_map", fmt.Sprintf("0x%08x", m.GPIOMap)).Debug("SPOTA GPIO map set")
}

func (h *Host) onPatchLen(m spota.PatchLenIndication) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.Len == 0 {
		h.logger.Warn("SPOTA patch length of zero rejected")
		h.report(StatusPatchLenErr)
		return
	}
	if h.block != nil && h.block.Length() > 0 {
		if err := h.flushLocked(); err != nil {
			h.logger.WithField("error", err).Error("Failed to flush partial block")
			h.report(StatusExtMemWriteErr)
			return
		}
	}
	h.block = ringbuffer.New(int(m.Len))
	h.stats.BlockLen = m.Len
	h.logger.WithField("len", m.Len).Debug("SPOTA block length set")
}

// onPatchData consumes one chunk. Every chunk is acknowledged once consumed,
// whether it was accepted or not.
func (h *Host) onPatchData(m spota.PatchDataIndication) {
	defer h.msgr.Send(spota.TaskReceiver, spota.TaskApp, spota.PatchChunkAck{})

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Chunks++

	if h.block == nil {
		h.logger.WithField("len", m.Len).Warn("Patch data before patch length")
		h.report(StatusPatchLenErr)
		return
	}
	if free := h.block.Capacity() - h.block.Length(); len(m.Data) > free {
		h.logger.WithFields(logrus.Fields{
			"len":  len(m.Data),
			"free": free,
		}).Warn("Patch data exceeds block length")
		h.report(StatusPatchLenErr)
		return
	}
	if _, err := h.block.Write(m.Data); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		h.logger.WithField("error", err).Error("Failed to buffer patch data")
		h.report(StatusIntMemErr)
		return
	}

	if h.block.IsFull() {
		if err := h.flushLocked(); err != nil {
			h.logger.WithField("error", err).Error("Failed to write image block")
			h.report(StatusExtMemWriteErr)
			return
		}
		h.stats.Blocks++
		h.report(StatusCmpOK)
		h.msgr.Send(spota.TaskReceiver, spota.TaskApp, spota.MemInfoUpdateRequest{MemInfo: uint32(h.stats.Written)})
	}
}

// flushLocked writes the buffered bytes to the sink.
func (h *Host) flushLocked() error {
	if h.block == nil || h.block.IsEmpty() {
		return nil
	}
	buf := make([]byte, h.block.Length())
	n, err := h.block.Read(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return err
	}
	if _, err := h.sink.Write(buf[:n]); err != nil {
		return fmt.Errorf("image sink: %w", err)
	}
	h.stats.Written += uint64(n)
	if h.flush != nil {
		if err := h.flush(); err != nil {
			return fmt.Errorf("image sink sync: %w", err)
		}
	}
	h.logger.WithFields(logrus.Fields{
		"block":   n,
		"written": h.stats.Written,
	}).Debug("SPOTA block written")
	return nil
}
