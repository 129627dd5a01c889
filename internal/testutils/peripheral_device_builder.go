package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blemsg/internal/device"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services          []ServiceConfig `json:"services"`
	DiscoveryFailures int             `json:"discovery_failures,omitempty"`
}

// PeripheralBuilder builds a ScriptedPeripheral with a full service/characteristic catalog
type PeripheralBuilder struct {
	profile DeviceProfileConfig
}

// NewPeripheralBuilder creates a new peripheral builder
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{
		profile: DeviceProfileConfig{
			Services: []ServiceConfig{},
		},
	}
}

// WithService adds a service to the device profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
	})
	return b
}

// WithDiscoveryFailures makes the first n discovery attempts fail
func (b *PeripheralBuilder) WithDiscoveryFailures(n int) *PeripheralBuilder {
	b.profile.DiscoveryFailures = n
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// parseCharacteristicProperties converts a property string; an empty string means read,write,notify
func parseCharacteristicProperties(props string) device.Properties {
	if props == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	p, err := device.ParseProperties(props)
	if err != nil {
		panic(fmt.Sprintf("PeripheralBuilder: %v", err))
	}
	return p
}

// Build creates the catalog described by the profile
func (b *PeripheralBuilder) Build() device.Catalog {
	catalog := make(device.Catalog, 0, len(b.profile.Services))
	for _, svc := range b.profile.Services {
		chars := make([]device.Characteristic, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			chars = append(chars, device.NewCharacteristic(svc.UUID, c.UUID, parseCharacteristicProperties(c.Properties)))
		}
		catalog = append(catalog, device.NewService(svc.UUID, chars...))
	}
	return catalog
}

// BuildPeripheral creates a ScriptedPeripheral serving the profile
func (b *PeripheralBuilder) BuildPeripheral() *ScriptedPeripheral {
	return &ScriptedPeripheral{
		Catalog:           b.Build(),
		DiscoveryFailures: b.profile.DiscoveryFailures,
	}
}

// GetServices returns the configured services
func (b *PeripheralBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
