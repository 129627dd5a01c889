package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemsg/internal/device"
	goble "github.com/srg/blemsg/internal/device/go-ble"
	"github.com/srg/blemsg/internal/manager"
	"github.com/srg/blemsg/internal/store"
	"github.com/srg/blemsg/pkg/config"
)

// newDriver creates the BLE transport (can be overridden in tests)
var newDriver = func(logger *logrus.Logger) device.Driver {
	return goble.NewDriver(logger)
}

// session is what every device command needs: configuration, a logger and a running manager.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *store.Store
	mgr    *manager.Manager
}

func openSession(cmd *cobra.Command) (*session, error) {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return nil, err
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	var st *store.Store
	if cfg.KnownDevicesPath != "" {
		st = store.New(cfg.KnownDevicesPath)
	}

	mgr, err := manager.New(manager.Options{
		Driver: newDriver(logger),
		Config: cfg,
		Store:  st,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session manager: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"config": path,
		"store":  cfg.KnownDevicesPath,
	}).Debug("Session opened")
	return &session{cfg: cfg, logger: logger, store: st, mgr: mgr}, nil
}

func (s *session) Close() {
	if err := s.mgr.Close(); err != nil {
		s.logger.WithError(err).Warn("Session manager did not close cleanly")
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// connect connects and waits for the first service catalog.
func (s *session) connect(ctx context.Context, address string, progress func(string)) (device.Device, device.Catalog, error) {
	progress("Connecting")
	dev, err := s.mgr.Connect(ctx, address)
	if err != nil {
		return device.Device{}, nil, err
	}

	progress("Discovering services")
	wctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	catalog, err := s.mgr.WaitServices(wctx, dev.Address)
	if err != nil {
		_ = s.mgr.Disconnect(context.Background())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", device.ErrTimeout, err)
		}
		return device.Device{}, nil, fmt.Errorf("service discovery on %s: %w", dev.Address, err)
	}
	progress("Connected")
	return dev, catalog, nil
}
