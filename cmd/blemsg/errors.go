package main

import (
	"errors"
	"fmt"

	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/manager"
	"github.com/srg/blemsg/internal/message"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was using it.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a one-line message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; turn it on and try again"
	case errors.Is(err, device.ErrTransportUnavailable):
		return fmt.Sprintf("no usable Bluetooth adapter (%v)", err)
	case errors.Is(err, ErrConnectionLost), errors.Is(err, manager.ErrLinkLost):
		return fmt.Sprintf("connection to the device was lost (%v)", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("timed out: %v", err)
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.Is(err, message.ErrNoWriteTarget):
		return "the device has no writable characteristic; pick one with --char"
	case device.IsConnectionState(err, device.ConnectInProgress):
		return "a connection to this device is already in progress"
	case device.IsConnectionState(err, device.AlreadyConnected):
		return "the device is already connected"
	case errors.Is(err, device.ErrNotConnected):
		return "the device is not connected"
	case errors.Is(err, device.ErrConnectionFailed):
		return fmt.Sprintf("could not connect: %v", err)
	default:
		return err.Error()
	}
}
