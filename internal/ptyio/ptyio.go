// Package ptyio exposes a pseudo-terminal whose slave side other programs open like
// a serial port. Bytes written to the slave arrive as framed lines; lines written to
// the PTY are queued for the slave.
//
//	p, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	p.SetLineHandler(func(line []byte) {
//	    // one line typed into p.Name(), without the terminator
//	})
//	p.WriteLine([]byte("hello"))
//
// Both directions go through fixed-size rings. When a ring is full the excess bytes
// are dropped and counted in Stats.
package ptyio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blemsg/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize  = 4096
	DefaultMaxLine     = 512
	DefaultPollTimeout = 50 * time.Millisecond
	DefaultIdleFlush   = 200 * time.Millisecond
)

// LineHandler receives one framed line read from the slave side. It runs on the
// dispatcher goroutine and owns the slice.
type LineHandler func(line []byte)

// Options configures Open. Zero values take the Default* constants.
type Options struct {
	ReadCap  int
	WriteCap int
	// MaxLine forces a line out once this many bytes arrive without a terminator.
	MaxLine int
	// IdleFlush forces a partial line out after this much silence. Negative disables it.
	IdleFlush   time.Duration
	PollTimeout time.Duration
	Logger      *logrus.Logger
	// OnError is called at most once when an I/O loop dies.
	OnError func(err error)
}

// Stats are counters for monitoring backpressure.
type Stats struct {
	WriteQueueLen int
	ReadQueueLen  int

	DroppedWriteBytes uint64
	DroppedReadBytes  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
	LinesTotal        uint64
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// PTY is an open master/slave pair with its I/O goroutines.
type PTY struct {
	opts   Options
	logger *logrus.Logger

	master *os.File
	slave  *os.File
	name   string

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer
	notify   chan struct{}

	handler   atomic.Pointer[LineHandler]
	errorOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	loops  []<-chan struct{}
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
	lines        atomic.Uint64
}

// Open creates a raw-mode PTY pair and starts its loops.
func Open(opts Options) (*PTY, error) {
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = DefaultMaxLine
	}
	if opts.IdleFlush == 0 {
		opts.IdleFlush = DefaultIdleFlush
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		opts:     opts,
		logger:   logger,
		master:   master,
		slave:    slave,
		name:     slave.Name(),
		writeBuf: ringbuffer.New(opts.WriteCap),
		readBuf:  ringbuffer.New(opts.ReadCap),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	p.loops = []<-chan struct{}{
		groutine.Go(ctx, "pty-read-loop", p.readLoop),
		groutine.Go(ctx, "pty-write-loop", p.writeLoop),
		groutine.Go(ctx, "pty-line-dispatcher", p.dispatch),
	}

	logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		name := slave.Name()
		cleanup := errors.Join(master.Close(), slave.Close())
		if cleanup != nil {
			return nil, nil, fmt.Errorf("failed to set %s %s: %w (cleanup: %v)", name, step, err, cleanup)
		}
		return nil, nil, fmt.Errorf("failed to set %s %s: %w", name, step, err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("nonblocking mode", err)
	}
	return master, slave, nil
}

func (p *PTY) pollMillis() int {
	return int(p.opts.PollTimeout / time.Millisecond)
}

func (p *PTY) fail(loop string, err error) {
	p.logger.WithError(err).Warnf("%s exiting on error", loop)
	if p.opts.OnError != nil {
		p.errorOnce.Do(func() { p.opts.OnError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *PTY) readLoop(ctx context.Context) {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollMillis())
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.WithError(werr).Warn("PTY read buffer write failed")
			}
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.Warnf("PTY read buffer overflow: dropped %d bytes", n-written)
			}
			p.readBytes.Add(uint64(written))
			if written > 0 {
				select {
				case p.notify <- struct{}{}:
				default:
				}
			}
		}

		switch {
		case err == nil,
			errors.Is(err, syscall.EAGAIN),
			errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// Linux reports EIO on the master while no process holds the slave open.
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.PollTimeout):
			}
		default:
			p.fail("PTY read loop", err)
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollTimeout):
			}
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY write buffer read failed")
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollMillis()); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("PTY write poll failed")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.fail("PTY write loop", err)
				return
			}
		}
	}
}

// dispatch frames bytes from the read ring into lines. CR, LF and CRLF all end a line;
// empty lines are skipped.
func (p *PTY) dispatch(ctx context.Context) {
	var (
		pending []byte
		chunk   = make([]byte, 1024)
		idle    <-chan time.Time
		timer   *time.Timer
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		idle = nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle:
			idle = nil
			if len(pending) > 0 {
				p.emit(pending)
				pending = nil
			}
			continue
		case <-p.notify:
		}

		for {
			n, err := p.readBuf.TryRead(chunk)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			for _, b := range chunk[:n] {
				if b == '\n' || b == '\r' {
					if len(pending) > 0 {
						p.emit(pending)
						pending = nil
					}
					continue
				}
				pending = append(pending, b)
				if len(pending) >= p.opts.MaxLine {
					p.emit(pending)
					pending = nil
				}
			}
		}

		stopTimer()
		if len(pending) > 0 && p.opts.IdleFlush > 0 {
			timer = time.NewTimer(p.opts.IdleFlush)
			idle = timer.C
		}
	}
}

func (p *PTY) emit(line []byte) {
	p.lines.Add(1)
	h := p.handler.Load()
	if h == nil || *h == nil {
		p.logger.WithField("bytes", len(line)).Debug("PTY line dropped: no handler")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.handler.Store(nil)
			p.logger.Errorf("PTY line handler panicked, unregistered: %v", r)
			if p.opts.OnError != nil {
				p.errorOnce.Do(func() { p.opts.OnError(fmt.Errorf("line handler panic: %v", r)) })
			}
		}
	}()
	(*h)(bytes.Clone(line))
}

// SetLineHandler registers the receiver of framed lines. nil unregisters; lines that
// arrive without a handler are dropped.
func (p *PTY) SetLineHandler(h LineHandler) {
	if h == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&h)
}

// Write queues data for the slave without blocking. It returns the number of bytes
// queued, which is less than len(data) when the ring is full.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return written, err
	}
	if written < len(data) {
		p.droppedWrite.Add(uint64(len(data) - written))
		p.logger.Warnf("PTY write buffer overflow: dropped %d bytes", len(data)-written)
	}
	return written, nil
}

// WriteLine queues line followed by CRLF. A partially queued line is an error.
func (p *PTY) WriteLine(line []byte) error {
	framed := make([]byte, 0, len(line)+2)
	framed = append(append(framed, line...), '\r', '\n')
	n, err := p.Write(framed)
	if err != nil {
		return err
	}
	if n < len(framed) {
		return fmt.Errorf("PTY write buffer full: queued %d of %d bytes", n, len(framed))
	}
	return nil
}

// Name is the slave device path, e.g. /dev/pts/5.
func (p *PTY) Name() string { return p.name }

func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		ReadQueueLen:      p.readBuf.Length(),
		DroppedWriteBytes: p.droppedWrite.Load(),
		DroppedReadBytes:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
		LinesTotal:        p.lines.Load(),
	}
}

// Close stops the loops and closes both ends. It waits up to five seconds for the
// loops to exit.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := errors.Join(p.master.Close(), p.slave.Close())

	deadline := time.After(5*time.Second + 3*p.opts.PollTimeout)
	for _, done := range p.loops {
		select {
		case <-done:
		case <-deadline:
			p.logger.WithField("tty", p.name).Error("PTY loops did not exit in time")
			return err
		}
	}
	p.logger.WithField("tty", p.name).Debug("PTY closed")
	return err
}
