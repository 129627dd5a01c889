// Package bridge exposes a connected device's message stream as a pseudo-terminal.
// Each line typed into the terminal is sent to the device's write target; every
// message the device sends back is written to the terminal as one line.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/groutine"
	"github.com/srg/blemsg/internal/manager"
	"github.com/srg/blemsg/internal/message"
	"github.com/srg/blemsg/internal/ptyio"
)

const (
	// DefaultPtyBufferSize is the default size, in bytes, of each PTY ring.
	DefaultPtyBufferSize = 4096

	// DefaultServicesTimeout bounds the wait for the first service catalog after connecting.
	DefaultServicesTimeout = 10 * time.Second
)

// Options configures Run.
type Options struct {
	Address string
	// Hex makes the bridge treat typed lines as hex and write incoming payloads as hex.
	Hex bool
	// ServiceUUID and CharacteristicUUID pin the write target. Empty selects the
	// device's default writable characteristic.
	ServiceUUID        string
	CharacteristicUUID string

	ServicesTimeout time.Duration
	PtyBufferSize   int
	// TTYSymlinkPath, when set, is created as a symlink to the PTY slave.
	TTYSymlinkPath string
	Logger         *logrus.Logger
}

// ProgressCallback is called when the bridge phase changes.
type ProgressCallback func(phase string)

// Callback is executed with the running bridge. The bridge is torn down when it returns.
type Callback[R any] func(*Bridge) (R, error)

// Stats counts traffic through a bridge. LinesSent counts lines accepted for sending;
// SendFailures counts rejected lines and writes that failed later.
type Stats struct {
	LinesSent     uint64
	SendFailures  uint64
	LinesReceived uint64
	PTY           ptyio.Stats
}

// Bridge is a running device to PTY bridge.
type Bridge struct {
	mgr     *manager.Manager
	pty     *ptyio.PTY
	device  device.Device
	opts    Options
	symlink string
	logger  *logrus.Logger

	ctx  context.Context
	lost chan struct{}
	err  atomic.Pointer[error]

	sent     atomic.Uint64
	failed   atomic.Uint64
	received atomic.Uint64
}

// TTYName is the PTY slave path.
func (b *Bridge) TTYName() string { return b.pty.Name() }

// TTYSymlink is the symlink path, or "" if none was requested.
func (b *Bridge) TTYSymlink() string { return b.symlink }

func (b *Bridge) Device() device.Device { return b.device }

// Done is closed when the device link is lost.
func (b *Bridge) Done() <-chan struct{} { return b.lost }

// Err returns the reason the link was lost, or nil while it is up.
func (b *Bridge) Err() error {
	if p := b.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *Bridge) Stats() Stats {
	return Stats{
		LinesSent:     b.sent.Load(),
		SendFailures:  b.failed.Load(),
		LinesReceived: b.received.Load(),
		PTY:           b.pty.Stats(),
	}
}

// Run connects to opts.Address through m, opens a PTY, and runs callback with the
// bridge. The device is disconnected and the PTY closed when callback returns.
func Run[R any](
	ctx context.Context,
	m *manager.Manager,
	opts Options,
	progress ProgressCallback,
	callback Callback[R],
) (R, error) {
	var zero R

	if m == nil {
		return zero, fmt.Errorf("failed to execute bridge: manager is required")
	}
	if opts.Address == "" {
		return zero, fmt.Errorf("failed to execute bridge: device address is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}
	if opts.ServicesTimeout <= 0 {
		opts.ServicesTimeout = DefaultServicesTimeout
	}
	if opts.PtyBufferSize <= 0 {
		opts.PtyBufferSize = DefaultPtyBufferSize
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := m.Subscribe(bridgeCtx)

	var (
		pty       *ptyio.PTY
		symlink   string
		connected bool
	)
	defer func() {
		if symlink != "" {
			if err := os.Remove(symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", symlink).Warn("Failed to remove tty symlink")
			}
		}
		if pty != nil {
			_ = pty.Close()
		}
		if connected {
			dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Disconnect(dctx); err != nil && !errors.Is(err, device.ErrNotConnected) {
				logger.WithError(err).Debug("Disconnect after bridge")
			}
			dcancel()
		}
	}()

	progress("Connecting")
	dev, err := m.Connect(bridgeCtx, opts.Address)
	if err != nil {
		progress("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}
	connected = true
	progress("Connected")

	progress("Discovering services")
	wctx, wcancel := context.WithTimeout(bridgeCtx, opts.ServicesTimeout)
	catalog, err := m.WaitServices(wctx, dev.Address)
	wcancel()
	if err != nil {
		progress("Failed")
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: no services from %s within %s", device.ErrTimeout, dev.Address, opts.ServicesTimeout)
		}
		return zero, err
	}
	logger.WithFields(logrus.Fields{
		"address":  dev.Address,
		"services": len(catalog),
	}).Debug("Bridge services ready")

	progress("Setting up PTY")
	pty, err = ptyio.Open(ptyio.Options{
		ReadCap:  opts.PtyBufferSize,
		WriteCap: opts.PtyBufferSize,
		Logger:   logger,
	})
	if err != nil {
		return zero, err
	}
	logger.WithField("tty", pty.Name()).Info("Created PTY device")

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.Name(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, pty.Name(), err)
		}
		symlink = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": symlink,
			"target":     pty.Name(),
		}).Info("Created PTY symlink")
	}

	b := &Bridge{
		mgr:     m,
		pty:     pty,
		device:  dev,
		opts:    opts,
		symlink: symlink,
		logger:  logger,
		ctx:     bridgeCtx,
		lost:    make(chan struct{}),
	}
	pty.SetLineHandler(b.sendLine)
	forwarded := groutine.Go(bridgeCtx, "bridge-forward", func(ctx context.Context) {
		b.forward(ctx, events)
	})
	defer func() {
		cancel()
		<-forwarded
	}()

	progress("Running")
	return callback(b)
}

// sendLine runs on the PTY dispatcher.
func (b *Bridge) sendLine(line []byte) {
	msg, err := b.mgr.SendMessage(b.ctx, message.SendRequest{
		DeviceID:           b.device.Address,
		Content:            string(line),
		IsHex:              b.opts.Hex,
		ServiceUUID:        b.opts.ServiceUUID,
		CharacteristicUUID: b.opts.CharacteristicUUID,
	})
	if err != nil {
		b.failed.Add(1)
		b.logger.WithError(err).WithField("address", b.device.Address).Warn("Bridge send rejected")
		return
	}
	b.sent.Add(1)
	b.logger.WithFields(logrus.Fields{
		"address":    b.device.Address,
		"message_id": msg.ID,
		"bytes":      len(line),
	}).Debug("Bridge line sent")
}

// forward writes incoming messages to the PTY and watches for link loss.
func (b *Bridge) forward(ctx context.Context, events <-chan manager.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.DeviceID != b.device.Address {
				continue
			}
			switch ev.Type {
			case manager.EventMessage:
				b.onMessage(ev.Message)
			case manager.EventDisconnected:
				err := ev.Err
				if err == nil {
					err = device.ErrNotConnected
				}
				b.err.Store(&err)
				close(b.lost)
				return
			}
		}
	}
}

func (b *Bridge) onMessage(msg *message.Message) {
	if msg == nil {
		return
	}
	if msg.Direction == message.Outgoing {
		if msg.Status == message.Failed {
			b.failed.Add(1)
		}
		return
	}
	line := []byte(msg.Content)
	if b.opts.Hex && !msg.IsHex {
		line = []byte(message.EncodeHex(msg.Payload))
	}
	if err := b.pty.WriteLine(line); err != nil {
		b.logger.WithError(err).WithField("message_id", msg.ID).Warn("Bridge could not write message to PTY")
		return
	}
	b.received.Add(1)
}
