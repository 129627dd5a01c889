package ptyio

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openOrSkip(t *testing.T, opts Options) *PTY {
	t.Helper()
	p, err := Open(opts)
	if err != nil {
		t.Skipf("PTY unavailable: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openSlave(t *testing.T, p *PTY) *os.File {
	t.Helper()
	f, err := os.OpenFile(p.Name(), os.O_RDWR|unix.O_NOCTTY, 0)
	require.NoError(t, err, "slave %s MUST be openable", p.Name())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) handle(line []byte) {
	r.mu.Lock()
	r.lines = append(r.lines, string(line))
	r.mu.Unlock()
}

func (r *lineRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestPTY_FramesLinesFromSlave(t *testing.T) {
	// GOAL: Verify bytes typed into the slave arrive as terminator-free lines
	//
	// TEST SCENARIO: Write LF, CRLF and CR terminated lines plus a blank line → handler sees three lines in order

	p := openOrSkip(t, Options{IdleFlush: -1})
	rec := &lineRecorder{}
	p.SetLineHandler(rec.handle)

	slave := openSlave(t, p)
	_, err := slave.Write([]byte("hello\r\nworld\n\nping\r"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond,
		"handler MUST receive three lines")
	assert.Equal(t, []string{"hello", "world", "ping"}, rec.snapshot())
	assert.EqualValues(t, 3, p.Stats().LinesTotal)
}

func TestPTY_IdleFlushEmitsPartialLine(t *testing.T) {
	// GOAL: Verify a line without terminator is delivered after the idle period
	//
	// TEST SCENARIO: Write "abc" without newline → handler receives "abc" after IdleFlush

	p := openOrSkip(t, Options{IdleFlush: 30 * time.Millisecond})
	rec := &lineRecorder{}
	p.SetLineHandler(rec.handle)

	slave := openSlave(t, p)
	_, err := slave.Write([]byte("abc"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond,
		"partial line MUST be flushed after idle period")
	assert.Equal(t, "abc", rec.snapshot()[0])
}

func TestPTY_MaxLineSplits(t *testing.T) {
	p := openOrSkip(t, Options{MaxLine: 4, IdleFlush: -1})
	rec := &lineRecorder{}
	p.SetLineHandler(rec.handle)

	slave := openSlave(t, p)
	_, err := slave.Write([]byte("abcdefgh\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"abcd", "efgh"}, rec.snapshot())
}

func TestPTY_WriteLineReachesSlave(t *testing.T) {
	// GOAL: Verify queued lines are delivered to the slave with CRLF
	//
	// TEST SCENARIO: WriteLine("pong") → slave reads "pong\r\n"

	p := openOrSkip(t, Options{})
	slave := openSlave(t, p)

	require.NoError(t, p.WriteLine([]byte("pong")))

	_ = slave.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 0, 6)
	buf := make([]byte, 16)
	for len(got) < 6 {
		n, err := slave.Read(buf)
		require.NoError(t, err, "slave read MUST succeed")
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "pong\r\n", string(got))
}

func TestPTY_HandlerPanicUnregisters(t *testing.T) {
	errs := make(chan error, 1)
	p := openOrSkip(t, Options{IdleFlush: -1, OnError: func(err error) { errs <- err }})
	p.SetLineHandler(func([]byte) { panic("boom") })

	slave := openSlave(t, p)
	_, err := slave.Write([]byte("x\n"))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("OnError MUST be called when the handler panics")
	}
	assert.Nil(t, p.handler.Load(), "panicking handler MUST be unregistered")
}

func TestPTY_ClosedRejectsWrites(t *testing.T) {
	p := openOrSkip(t, Options{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "second Close MUST be a no-op")

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
