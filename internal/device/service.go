package device

import (
	"github.com/srg/blemsg/internal/bledb"
)

// Characteristic describes one discovered GATT characteristic
type Characteristic struct {
	UUID        string     `json:"uuid"`
	Name        string     `json:"name,omitempty"`
	ServiceUUID string     `json:"service_uuid"`
	Properties  Properties `json:"properties"`
}

// Service describes one discovered GATT service and its characteristics in discovery order
type Service struct {
	UUID            string           `json:"uuid"`
	Name            string           `json:"name,omitempty"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Catalog is the ordered service list of a device. A Catalog handed out by the cache or
// the manager is shared and must be treated as read-only.
type Catalog []Service

// NewCharacteristic builds a characteristic with normalized UUIDs and its assigned name.
func NewCharacteristic(serviceUUID, uuid string, props Properties) Characteristic {
	return Characteristic{
		UUID:        NormalizeUUID(uuid),
		Name:        bledb.LookupCharacteristic(uuid),
		ServiceUUID: NormalizeUUID(serviceUUID),
		Properties:  props,
	}
}

// NewService builds a service with a normalized UUID and its assigned name. Characteristics
// are re-parented to the service.
func NewService(uuid string, chars ...Characteristic) Service {
	svcUUID := NormalizeUUID(uuid)
	owned := make([]Characteristic, len(chars))
	for i, c := range chars {
		c.ServiceUUID = svcUUID
		owned[i] = c
	}
	return Service{
		UUID:            svcUUID,
		Name:            bledb.LookupService(uuid),
		Characteristics: owned,
	}
}

// DisplayName returns the assigned name or the formatted UUID.
func (s Service) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return bledb.FormatUUID(s.UUID)
}

// DisplayName returns the assigned name or the formatted UUID.
func (c Characteristic) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return bledb.FormatUUID(c.UUID)
}

// IsEmpty reports whether the catalog has no services.
func (c Catalog) IsEmpty() bool {
	return len(c) == 0
}

// CharacteristicCount returns the number of characteristics across all services.
func (c Catalog) CharacteristicCount() int {
	n := 0
	for _, svc := range c {
		n += len(svc.Characteristics)
	}
	return n
}

// Service looks up a service by UUID in any spelling.
func (c Catalog) Service(uuid string) (Service, bool) {
	want := NormalizeUUID(uuid)
	for _, svc := range c {
		if svc.UUID == want {
			return svc, true
		}
	}
	return Service{}, false
}

// Characteristic looks up a characteristic by UUID, scoped to serviceUUID unless it is empty.
// Returns a NotFoundError when nothing matches.
func (c Catalog) Characteristic(serviceUUID, uuid string) (Characteristic, error) {
	want := NormalizeUUID(uuid)
	wantSvc := NormalizeUUID(serviceUUID)
	for _, svc := range c {
		if wantSvc != "" && svc.UUID != wantSvc {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID == want {
				return ch, nil
			}
		}
	}
	if wantSvc != "" {
		return Characteristic{}, &NotFoundError{Resource: "characteristic", IDs: []string{serviceUUID, uuid}}
	}
	return Characteristic{}, &NotFoundError{Resource: "characteristic", IDs: []string{uuid}}
}

// FindWritable picks the write target for outgoing data.
//
// The search order is: a writable characteristic matching uuid exactly (scoped to
// serviceUUID when given), then the first writable entry of bledb.WellKnownWriteTargets,
// then the first writable characteristic in catalog order.
func (c Catalog) FindWritable(uuid, serviceUUID string) (Characteristic, bool) {
	if uuid != "" {
		if ch, err := c.Characteristic(serviceUUID, uuid); err == nil && ch.Properties.CanWrite() {
			return ch, true
		}
	}

	for _, known := range bledb.WellKnownWriteTargets {
		if ch, err := c.Characteristic("", known); err == nil && ch.Properties.CanWrite() {
			return ch, true
		}
	}

	for _, svc := range c {
		for _, ch := range svc.Characteristics {
			if ch.Properties.CanWrite() {
				return ch, true
			}
		}
	}
	return Characteristic{}, false
}

// NotifyTargets returns every characteristic supporting notification or indication.
func (c Catalog) NotifyTargets() []Characteristic {
	var out []Characteristic
	for _, svc := range c {
		for _, ch := range svc.Characteristics {
			if ch.Properties.CanNotify() {
				out = append(out, ch)
			}
		}
	}
	return out
}
