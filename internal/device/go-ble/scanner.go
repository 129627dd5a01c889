package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
	"github.com/srg/blemsg/internal/groutine"
)

// StartScan opens the radio and scans in the background until ctx ends or StopScan is
// called. Failures to open the radio are returned; failures of the running scan are
// reported as EventScanFailed.
func (d *Driver) StartScan(ctx context.Context, filter device.ScanFilter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanCancel != nil {
		return nil
	}
	dev, err := d.device()
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(filter.ServiceUUIDs))
	for _, u := range filter.ServiceUUIDs {
		wanted[device.NormalizeUUID(u)] = true
	}

	scanCtx, cancel := context.WithCancel(ctx)
	d.scanGen++
	gen := d.scanGen
	d.scanCancel = cancel
	d.scanDone = groutine.Go(scanCtx, "ble-scan", func(scanCtx context.Context) {
		err := dev.Scan(scanCtx, filter.AllowDuplicates, func(adv ble.Advertisement) {
			if len(wanted) > 0 && !advertises(adv, wanted) {
				return
			}
			result := scanResult(adv)
			d.emit(device.Event{Kind: device.EventScanResult, Address: result.Address, Scan: result})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = NormalizeError(err)
			d.logger.WithError(err).Warn("BLE scan ended with error")
			d.emit(device.Event{Kind: device.EventScanFailed, Err: err})
		}

		// A scan that ended by itself must not block the next StartScan.
		d.mu.Lock()
		if d.scanGen == gen && d.scanCancel != nil {
			d.scanCancel()
			d.scanCancel, d.scanDone = nil, nil
		}
		d.mu.Unlock()
	})

	d.logger.WithFields(logrus.Fields{
		"services":   filter.ServiceUUIDs,
		"duplicates": filter.AllowDuplicates,
	}).Debug("BLE scan started")
	return nil
}

// StopScan stops a running scan and waits for the scan goroutine to exit.
func (d *Driver) StopScan() error {
	d.mu.Lock()
	cancel, done := d.scanCancel, d.scanDone
	d.scanCancel, d.scanDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	d.logger.Debug("BLE scan stopped")
	return nil
}

func advertises(adv ble.Advertisement, wanted map[string]bool) bool {
	for _, u := range adv.Services() {
		if wanted[device.NormalizeUUID(u.String())] {
			return true
		}
	}
	return false
}
