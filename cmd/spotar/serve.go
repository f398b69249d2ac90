package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/spotar/internal/gattsrv"
	"github.com/srg/spotar/internal/groutine"
	"github.com/srg/spotar/internal/statusapi"
	"github.com/srg/spotar/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Publish the SPOTA service and receive a patch image",
	Long: `Runs the SPOTA receiver as a BLE peripheral until interrupted.

Completed blocks are appended to the image file. Each connecting central
is bound to the receiver on its first access to the service.

Examples:
  # Receive into firmware.img on the first adapter
  spotar serve --image firmware.img

  # Record a protocol trace and expose the status API
  spotar serve --trace session.cbor --http 127.0.0.1:8080

  # Use settings from a file
  spotar serve --config /etc/spotar.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveName  string
	serveHCI   int
	serveImage string
	serveTrace string
	serveHTTP  string
	serveSec   string
)

func init() {
	serveCmd.Flags().StringVar(&serveName, "name", "", "Advertised device name")
	serveCmd.Flags().IntVar(&serveHCI, "hci", 0, "HCI adapter index (linux)")
	serveCmd.Flags().StringVar(&serveImage, "image", "", "Image output file")
	serveCmd.Flags().StringVar(&serveTrace, "trace", "", "CBOR trace output file")
	serveCmd.Flags().StringVar(&serveHTTP, "http", "", "Status API listen address (disabled if empty)")
	serveCmd.Flags().StringVar(&serveSec, "sec", "", "Security level (none, unauth, auth)")
}

// applyServeFlags overrides config values with flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.DeviceName = serveName
	}
	if flags.Changed("hci") {
		cfg.HCI = serveHCI
	}
	if flags.Changed("image") {
		cfg.ImagePath = serveImage
	}
	if flags.Changed("trace") {
		cfg.TracePath = serveTrace
	}
	if flags.Changed("http") {
		cfg.HTTPAddr = serveHTTP
	}
	if flags.Changed("sec") {
		cfg.SecLevel = serveSec
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	img, err := os.OpenFile(cfg.ImagePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open image file: %w", err)
	}
	defer img.Close()

	st, err := newStack(cfg, img, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	periph, err := gattsrv.OpenPeripheral(cfg.HCI, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := periph.Close(); err != nil {
			logger.WithError(err).Debug("Failed to stop device")
		}
	}()

	svc, err := st.start(ctx, cfg.PatchDataSize)
	if err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		groutine.Go(ctx, "statusapi", func(ctx context.Context) {
			if err := statusapi.Serve(ctx, cfg.HTTPAddr, statusapi.NewRouter(st.sources()), logger); err != nil {
				logger.WithError(err).Error("Status API failed")
			}
		})
	}

	notifySystemd(logger, daemon.SdNotifyReady)
	defer notifySystemd(logger, daemon.SdNotifyStopping)

	logger.WithFields(logrus.Fields{
		"name":    cfg.DeviceName,
		"image":   cfg.ImagePath,
		"session": st.trace.Session(),
	}).Info("SPOTA receiver ready")

	err = periph.Publish(ctx, cfg.DeviceName, svc)
	stats := st.host.Stats()
	logger.WithFields(logrus.Fields{
		"blocks":  stats.Blocks,
		"written": stats.Written,
	}).Info("SPOTA receiver stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// notifySystemd reports state to the service manager when running under
// systemd; elsewhere it is a no-op.
func notifySystemd(logger *logrus.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.WithError(err).Warn("systemd notification failed")
		return
	}
	if sent {
		logger.WithField("state", state).Debug("systemd notified")
	}
}
