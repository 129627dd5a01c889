package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blemsg/internal/device"
)

// errorRule maps a lower-case fragment of a go-ble or platform stack message to the
// device error a caller can branch on.
type errorRule struct {
	fragment string
	kind     error
}

// First match wins: "already connected" and "not connected" must precede "disconnected".
var errorRules = []errorRule{
	{"is bluetooth turned on", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"powered off", device.ErrBluetoothOff},
	{"can't init hci", device.ErrTransportUnavailable},
	{"no such device", device.ErrTransportUnavailable},
	{"operation not permitted", device.ErrTransportUnavailable},
	{"already connected", device.ErrAlreadyConnected},
	{"not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"connection is not initialized", device.ErrNotInitialized},
	{"le-connection-abort", device.ErrConnectionFailed},
	{"failed to be established", device.ErrConnectionFailed},
	{"timed out", device.ErrTimeout},
}

// NormalizeError classifies a go-ble error so the manager can tell a missing adapter
// from a refused connect or a dropped link. Context errors and unrecognized messages
// are returned unchanged; recognized ones keep the original error wrapped.
func NormalizeError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, r := range errorRules {
		if !strings.Contains(msg, r.fragment) {
			continue
		}
		if errors.Is(err, r.kind) {
			return err
		}
		return fmt.Errorf("%w: %w", r.kind, err)
	}
	return err
}
