// Package gattsrv exposes the SPOTA attribute table as a go-ble service and
// feeds peer activity into the kernel.
package gattsrv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/attdb"
	"github.com/srg/spotar/internal/groutine"
	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/link"
	"github.com/srg/spotar/internal/spota"
)

// DefaultWriteTimeout bounds how long a peer write waits for the receiver.
const DefaultWriteTimeout = 2 * time.Second

var notifyOn = []byte{0x01, 0x00}
var notifyOff = []byte{0x00, 0x00}

// Options configures a Server.
type Options struct {
	// SecLevel is requested on Enable and assumed for links; pairing is left
	// to the platform stack.
	SecLevel     spota.SecurityLevel
	WriteTimeout time.Duration
}

type respKey struct {
	idx spota.ConnIndex
	h   spota.Handle
}

// Server binds a receiver to go-ble. It implements spota.Bearer.
type Server struct {
	logger *logrus.Logger
	k      *kernel.Kernel
	db     *attdb.DB
	conns  *link.Table
	opts   Options

	attachMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	responses map[respKey]spota.Status
	notifiers map[spota.ConnIndex]ble.Notifier
}

// New creates a Server.
func New(k *kernel.Kernel, db *attdb.DB, conns *link.Table, opts Options, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.SecLevel == spota.SecDisabled {
		opts.SecLevel = spota.SecEnabled
	}
	return &Server{
		logger:    logger,
		k:         k,
		db:        db,
		conns:     conns,
		opts:      opts,
		ctx:       context.Background(),
		responses: make(map[respKey]spota.Status),
		notifiers: make(map[spota.ConnIndex]ble.Notifier),
	}
}

// SetContext bounds the lifetime of link watchers and pending writes.
func (s *Server) SetContext(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Service builds the go-ble service for the receiver's table. base is the
// handle returned by the attribute database when the service was created.
func (s *Server) Service(table *spota.CharTable, base spota.Handle) *ble.Service {
	svc := ble.NewService(spota.ServiceUUID)
	for _, spec := range table.Values() {
		h := base + spota.Handle(spec.Index)
		c := svc.NewCharacteristic(spec.UUID)
		if spec.Props&ble.CharRead != 0 {
			c.HandleRead(s.readHandler(h))
		}
		if spec.Props&(ble.CharWrite|ble.CharWriteNR) != 0 {
			c.HandleWrite(s.writeHandler(h))
		}
		if spec.Props&ble.CharNotify != 0 {
			c.HandleNotify(s.notifyHandler(base + spota.Handle(spota.IdxPatchStatusNtfCfg)))
		}
		c.Property = spec.Props
	}
	return svc
}

// attach returns the link for conn, registering and enabling it on first use.
func (s *Server) attach(conn ble.Conn) (*link.Conn, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	addr := conn.RemoteAddr().String()
	if c, ok := s.conns.ByAddr(addr); ok {
		return c, nil
	}
	c, err := s.conns.Connect(addr)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"addr":        addr,
		"conn_handle": c.Handle,
		"conn_index":  c.Index,
	}).Info("SPOTA peer connected")

	ctx := s.context()
	if err := s.post(ctx, spota.TaskApp, c.Index, spota.EnableRequest{ConnHandle: c.Handle, SecLevel: s.opts.SecLevel}); err != nil {
		_, _ = s.conns.Disconnect(c.Handle)
		return nil, fmt.Errorf("failed to enable receiver: %w", err)
	}
	groutine.Go(ctx, "link-watch", func(ctx context.Context) {
		s.watch(ctx, c, conn.Disconnected())
	})
	return c, nil
}

// watch forwards the link loss to the receiver.
func (s *Server) watch(ctx context.Context, c *link.Conn, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	s.Disconnected(c.Handle, link.ReasonRemoteUserTerminated)
}

// Disconnected removes the link and notifies the receiver.
func (s *Server) Disconnected(h spota.ConnHandle, reason uint8) {
	c, err := s.conns.Disconnect(h)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.notifiers, c.Index)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"addr":        c.Addr,
		"conn_handle": h,
		"reason":      fmt.Sprintf("0x%02x", reason),
	}).Info("SPOTA peer disconnected")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.post(ctx, spota.TaskLink, c.Index, spota.DisconnectIndication{ConnHandle: h, Reason: reason}); err != nil {
		s.logger.WithField("error", err).Warn("Failed to deliver disconnect")
	}
}

func (s *Server) post(ctx context.Context, src kernel.TaskID, idx spota.ConnIndex, msg spota.Message) error {
	return s.k.PostAndWait(ctx, kernel.Envelope{
		Dest:   spota.TaskReceiver,
		Src:    src,
		SrcIdx: uint8(idx),
		Msg:    msg,
	})
}

// write delivers a peer write and returns the receiver's response, if any.
// go-ble reassembles long writes before calling the handler, so every write
// is posted as the last fragment.
func (s *Server) write(c *link.Conn, h spota.Handle, value []byte, offset int) (spota.Status, bool, error) {
	ctx, cancel := context.WithTimeout(s.context(), s.opts.WriteTimeout)
	defer cancel()

	ind := spota.WriteIndication{Handle: h, Value: bytes.Clone(value), Offset: offset, Last: true}
	if err := s.post(ctx, spota.TaskLink, c.Index, ind); err != nil {
		return 0, false, err
	}
	st, ok := s.popResponse(c.Index, h)
	return st, ok, nil
}

func (s *Server) popResponse(idx spota.ConnIndex, h spota.Handle) (spota.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := respKey{idx, h}
	st, ok := s.responses[k]
	delete(s.responses, k)
	return st, ok
}

func (s *Server) writeHandler(h spota.Handle) ble.WriteHandler {
	return ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		c, err := s.attach(req.Conn())
		if err != nil {
			s.logger.WithField("error", err).Warn("Write from unregistered link rejected")
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}
		if err := s.db.CheckAccess(h, s.opts.SecLevel); err != nil {
			rsp.SetStatus(attError(err, ble.ErrWriteNotPerm))
			return
		}

		st, ok, err := s.write(c, h, req.Data(), req.Offset())
		switch {
		case err != nil:
			s.logger.WithFields(logrus.Fields{"handle": h, "error": err}).Warn("Write not delivered")
			rsp.SetStatus(ble.ErrUnlikely)
		case !ok:
			rsp.SetStatus(ble.ErrWriteNotPerm)
		default:
			rsp.SetStatus(toATT(st))
		}
	})
}

func (s *Server) readHandler(h spota.Handle) ble.ReadHandler {
	return ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		if _, err := s.attach(req.Conn()); err != nil {
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}
		if err := s.db.CheckAccess(h, s.opts.SecLevel); err != nil {
			rsp.SetStatus(attError(err, ble.ErrReadNotPerm))
			return
		}
		v, err := s.db.Value(h)
		if err != nil {
			rsp.SetStatus(attError(err, ble.ErrReadNotPerm))
			return
		}
		off := req.Offset()
		if off > len(v) {
			rsp.SetStatus(ble.ErrInvalidOffset)
			return
		}
		v = v[off:]
		if n := rsp.Cap(); n > 0 && len(v) > n {
			v = v[:n]
		}
		_, _ = rsp.Write(v)
	})
}

// notifyHandler maps a subscription to notify-config writes on cfg.
func (s *Server) notifyHandler(cfg spota.Handle) ble.NotifyHandler {
	return ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		c, err := s.attach(req.Conn())
		if err != nil {
			s.logger.WithField("error", err).Warn("Subscription from unregistered link rejected")
			return
		}
		s.mu.Lock()
		s.notifiers[c.Index] = n
		s.mu.Unlock()

		if _, _, err := s.write(c, cfg, notifyOn, 0); err != nil {
			s.logger.WithField("error", err).Warn("Failed to enable status notifications")
		}
		s.logger.WithField("conn_index", c.Index).Debug("Status notifications enabled")

		<-n.Context().Done()

		s.mu.Lock()
		current := s.notifiers[c.Index] == n
		if current {
			delete(s.notifiers, c.Index)
		}
		s.mu.Unlock()
		if !current {
			return
		}
		if _, _, err := s.write(c, cfg, notifyOff, 0); err != nil {
			s.logger.WithField("error", err).Debug("Failed to disable status notifications")
		}
		s.logger.WithField("conn_index", c.Index).Debug("Status notifications disabled")
	})
}

// SendWriteResponse implements spota.Bearer. It runs on the kernel goroutine
// while the originating write handler waits for its message.
func (s *Server) SendWriteResponse(idx spota.ConnIndex, h spota.Handle, status spota.Status) {
	s.mu.Lock()
	s.responses[respKey{idx, h}] = status
	s.mu.Unlock()
}

// SendNotification implements spota.Bearer.
func (s *Server) SendNotification(idx spota.ConnIndex, h spota.Handle, value []byte) {
	s.mu.Lock()
	n := s.notifiers[idx]
	s.mu.Unlock()
	if n == nil {
		s.logger.WithFields(logrus.Fields{"conn_index": idx, "handle": h}).Debug("No subscriber for notification")
		return
	}
	if _, err := n.Write(value); err != nil {
		s.logger.WithFields(logrus.Fields{"conn_index": idx, "error": err}).Warn("Notification failed")
	}
}

func toATT(st spota.Status) ble.ATTError {
	if st == spota.StatusOK {
		return ble.ErrSuccess
	}
	return ble.ATTError(st)
}

// attError maps an attribute database error; denied is returned for a
// closed or disabled service.
func attError(err error, denied ble.ATTError) ble.ATTError {
	var perr *attdb.PermissionError
	switch {
	case errors.As(err, &perr):
		if perr.Required == spota.SecAuthenticated {
			return ble.ErrAuthentication
		}
		return denied
	case errors.Is(err, attdb.ErrInvalidHandle):
		return ble.ErrInvalidHandle
	default:
		return ble.ErrUnlikely
	}
}

var _ spota.Bearer = (*Server)(nil)
