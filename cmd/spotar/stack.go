package main

import (
	"context"
	"fmt"
	"io"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/attdb"
	"github.com/srg/spotar/internal/gattsrv"
	"github.com/srg/spotar/internal/groutine"
	"github.com/srg/spotar/internal/host"
	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/link"
	"github.com/srg/spotar/internal/spota"
	"github.com/srg/spotar/internal/statusapi"
	"github.com/srg/spotar/internal/trace"
	"github.com/srg/spotar/pkg/config"
)

// stack is the receiver with its collaborators, wired but not yet running.
type stack struct {
	logger *logrus.Logger
	db     *attdb.DB
	conns  *link.Table
	k      *kernel.Kernel
	rcv    *spota.Receiver
	host   *host.Host
	srv    *gattsrv.Server
	trace  *trace.Recorder

	runErr chan error
}

func newStack(cfg *config.Config, sink io.Writer, logger *logrus.Logger) (*stack, error) {
	sec, err := cfg.Security()
	if err != nil {
		return nil, err
	}

	s := &stack{
		logger: logger,
		db:     attdb.New(logger),
		conns:  link.New(logger),
		k:      kernel.New(logger, kernel.WithQueueDepth(cfg.QueueDepth)),
		runErr: make(chan error, 1),
	}
	s.srv = gattsrv.New(s.k, s.db, s.conns, gattsrv.Options{
		SecLevel:     sec,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
	s.rcv = spota.NewReceiver(s.db, s.conns, s.k, s.srv, logger)
	if err := s.rcv.Register(s.k); err != nil {
		return nil, err
	}
	s.host = host.New(s.k, sink, logger)
	if err := s.host.Register(s.k); err != nil {
		return nil, err
	}

	if s.trace, err = trace.NewRecorder(logger, cfg.TraceHistory); err != nil {
		return nil, err
	}
	s.trace.Attach(s.k)
	if cfg.TracePath != "" {
		if err := s.trace.OpenFile(cfg.TracePath); err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
	}
	return s, nil
}

// start runs the kernel until ctx is done, creates the SPOTA service and
// returns its go-ble binding.
func (s *stack) start(ctx context.Context, patchDataSize int) (*ble.Service, error) {
	groutine.Go(ctx, "kernel", func(ctx context.Context) { s.runErr <- s.k.Run(ctx) })

	s.host.Start(patchDataSize)

	var (
		state spota.State
		table *spota.CharTable
		base  spota.Handle
	)
	err := s.k.Do(ctx, func() {
		state = s.rcv.State()
		table = s.rcv.Table()
		base = s.rcv.BaseHandle()
	})
	if err != nil {
		return nil, err
	}
	if state != spota.StateIdle {
		return nil, fmt.Errorf("%w: receiver is %s", ErrServiceNotCreated, state)
	}

	s.srv.SetContext(ctx)
	return s.srv.Service(table, base), nil
}

func (s *stack) sources() statusapi.Sources {
	return statusapi.Sources{
		Receiver: statusapi.ReceiverSource(s.k, s.rcv),
		Host:     s.host,
		Trace:    s.trace,
		Kernel:   s.k,
	}
}

// Close closes the trace file.
func (s *stack) Close() error {
	return s.trace.Close()
}
