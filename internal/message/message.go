// Package message tracks outgoing writes and incoming notifications per device.
package message

import (
	"errors"
	"fmt"
	"time"
)

// Direction of a message relative to this host.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Status is the delivery state of a message.
// Outgoing: Sending -> Sent | Failed, and Failed -> Sending on retry.
// Incoming messages are always Received.
type Status int

const (
	Sending Status = iota
	Sent
	Failed
	Received
)

var statusNames = [...]string{"sending", "sent", "failed", "received"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool {
	return s == Sent || s == Failed || s == Received
}

// Type is the GATT operation a message travelled over.
type Type int

const (
	TypeUnknown Type = iota
	TypeWrite
	TypeWriteNoResponse
	TypeNotification
	TypeIndication
)

var typeNames = [...]string{"Unknown", "Write", "WriteNoResponse", "Notification", "Indication"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return typeNames[TypeUnknown]
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Message is an immutable snapshot; the pipeline replaces, never edits, stored values.
type Message struct {
	ID                 string    `json:"id"`
	DeviceID           string    `json:"device_id"`
	Content            string    `json:"content"`
	IsHex              bool      `json:"is_hex"`
	Direction          Direction `json:"direction"`
	Status             Status    `json:"status"`
	CharacteristicUUID string    `json:"char_uuid"`
	ServiceUUID        string    `json:"service_uuid,omitempty"`
	Type               Type      `json:"type"`
	Payload            []byte    `json:"payload,omitempty"`
	// Decoded carries a rendering of a standard GATT payload, e.g. "72 bpm".
	Decoded   string    `json:"decoded,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SendRequest describes an outgoing message. Empty CharacteristicUUID selects the
// device's default write target.
type SendRequest struct {
	DeviceID           string
	Content            string
	IsHex              bool
	CharacteristicUUID string
	ServiceUUID        string
}

var (
	// ErrNotRetryable is returned when retrying a message that is not Failed.
	ErrNotRetryable = errors.New("message is not in failed state")
	// ErrNoWriteTarget is returned when the device exposes no writable characteristic.
	ErrNoWriteTarget = errors.New("no writable characteristic")
)
