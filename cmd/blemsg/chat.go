package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/manager"
	"github.com/srg/blemsg/internal/message"
)

var chatCmd = &cobra.Command{
	Use:   "chat <device-address>",
	Short: "Send and receive messages interactively",
	Long: `Connects to a device and turns the terminal into a message console. Each
line typed is sent to the device's write characteristic; notifications and
indications from the device are printed as they arrive.

Lines starting with "/" are commands:
  /hex     toggle hex input
  /retry   resend the last failed message
  /quit    disconnect and exit

Example:
  blemsg chat AA:BB:CC:DD:EE:FF
  blemsg chat --hex --char 6e400002-b5a3-f393-e0a9-e50e24dcca9e AA:BB:CC:DD:EE:FF`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

var (
	chatHex         bool
	chatChar        string
	chatService     string
	chatDrainPeriod time.Duration
)

var (
	sentColor     = color.New(color.FgCyan)
	receivedColor = color.New(color.FgGreen)
	failedColor   = color.New(color.FgRed)
	noticeColor   = color.New(color.FgYellow)
)

func init() {
	chatCmd.Flags().BoolVar(&chatHex, "hex", false, "Treat typed lines as hex bytes")
	chatCmd.Flags().StringVar(&chatChar, "char", "", "Characteristic UUID to write to (default: first writable)")
	chatCmd.Flags().StringVar(&chatService, "service", "", "Service UUID of --char")
	chatCmd.Flags().DurationVar(&chatDrainPeriod, "drain", 5*time.Second, "How long to wait for pending sends after input ends")
}

type chatState struct {
	mgr      *manager.Manager
	out      io.Writer
	dev      device.Device
	hex      bool
	pending  map[string]bool
	lastFail string
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatChar != "" {
		if _, err := device.ValidateUUID(chatChar); err != nil {
			return fmt.Errorf("invalid characteristic UUID: %w", err)
		}
	}
	if chatService != "" {
		if _, err := device.ValidateUUID(chatService); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	events := s.mgr.Subscribe(ctx)

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, fmt.Sprintf("Connecting to %s", args[0]), "Connecting", "Connected")
	progress.Start()
	dev, catalog, err := s.connect(ctx, args[0], progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer func() { _ = s.mgr.Disconnect(context.Background()) }()

	target, ok := catalog.FindWritable(chatChar, chatService)
	if !ok {
		return fmt.Errorf("%w on %s", message.ErrNoWriteTarget, dev.Address)
	}
	noticeColor.Fprintf(out, "Connected to %s, writing to %s. Type /quit to exit.\n", dev.DisplayName(), target.DisplayName())

	st := &chatState{mgr: s.mgr, out: out, dev: dev, hex: chatHex, pending: make(map[string]bool)}
	lines := readLines(ctx, cmd.InOrStdin())

	var drain <-chan time.Time
	for {
		if drain != nil && len(st.pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-drain:
			noticeColor.Fprintf(out, "%d message(s) still pending\n", len(st.pending))
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				drain = time.After(chatDrainPeriod)
				continue
			}
			if quit := st.handleLine(ctx, line); quit {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return manager.ErrClosed
			}
			if ev.DeviceID != dev.Address {
				continue
			}
			switch ev.Type {
			case manager.EventMessage:
				st.show(ev.Message)
			case manager.EventDisconnected:
				reason := ev.Err
				if reason == nil {
					reason = device.ErrNotConnected
				}
				return fmt.Errorf("%w: %w", ErrConnectionLost, reason)
			}
		}
	}
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// handleLine sends one typed line or runs a slash command. It reports whether to quit.
func (st *chatState) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/hex":
		st.hex = !st.hex
		noticeColor.Fprintf(st.out, "hex input %s\n", map[bool]string{true: "on", false: "off"}[st.hex])
		return false
	case line == "/retry":
		if st.lastFail == "" {
			noticeColor.Fprintln(st.out, "nothing to retry")
			return false
		}
		msg, err := st.mgr.RetryMessage(ctx, st.dev.Address, st.lastFail)
		if err != nil {
			failedColor.Fprintf(st.out, "retry failed: %s\n", FormatUserError(err))
			return false
		}
		st.lastFail = ""
		st.pending[msg.ID] = true
		return false
	}

	msg, err := st.mgr.SendMessage(ctx, message.SendRequest{
		DeviceID:           st.dev.Address,
		Content:            line,
		IsHex:              st.hex,
		CharacteristicUUID: chatChar,
		ServiceUUID:        chatService,
	})
	if err != nil {
		failedColor.Fprintf(st.out, "send failed: %s\n", FormatUserError(err))
		return false
	}
	st.pending[msg.ID] = true
	return false
}

func (st *chatState) show(msg *message.Message) {
	if msg == nil {
		return
	}
	if msg.Status.Terminal() {
		delete(st.pending, msg.ID)
	}
	stamp := msg.Timestamp.Format("15:04:05")
	switch {
	case msg.Direction == message.Incoming:
		text := msg.Content
		if msg.Decoded != "" {
			text += "  (" + msg.Decoded + ")"
		}
		receivedColor.Fprintf(st.out, "%s <- %s\n", stamp, text)
	case msg.Status == message.Sent:
		sentColor.Fprintf(st.out, "%s -> %s\n", stamp, msg.Content)
	case msg.Status == message.Failed:
		st.lastFail = msg.ID
		failedColor.Fprintf(st.out, "%s !! %s (%s); /retry to resend\n", stamp, msg.Content, msg.Error)
	}
}
