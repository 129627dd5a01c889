// Package classify decides whether an incoming characteristic payload is shown as text or hex.
package classify

import (
	"fmt"
	"strings"

	"github.com/srg/blemsg/internal/device"
)

// Kind is the rendering chosen for a payload.
type Kind int

const (
	Text Kind = iota
	Hex
)

func (k Kind) String() string {
	if k == Hex {
		return "hex"
	}
	return "text"
}

// ParseKind accepts "text" or "hex" (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return Text, nil
	case "hex":
		return Hex, nil
	default:
		return Text, fmt.Errorf("unknown payload kind %q (expected text or hex)", s)
	}
}

// Policy classifies a payload received from a characteristic.
type Policy interface {
	Classify(charUUID string, data []byte) Kind
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(charUUID string, data []byte) Kind

func (f PolicyFunc) Classify(charUUID string, data []byte) Kind {
	return f(charUUID, data)
}

// Printable renders payloads made only of printable ASCII, CR and LF as text.
// Binary payloads that happen to be printable are misclassified; use a
// PerCharacteristic or Lua policy when a characteristic's protocol is known.
var Printable Policy = PolicyFunc(func(_ string, data []byte) Kind {
	if IsPrintable(data) {
		return Text
	}
	return Hex
})

// IsPrintable reports whether every byte is in 0x20..0x7E or is CR/LF.
func IsPrintable(data []byte) bool {
	for _, b := range data {
		if b == '\r' || b == '\n' {
			continue
		}
		if b < 0x20 || b > 0x7E {
			return false
		}
	}
	return true
}

// PerCharacteristic pins the kind for specific characteristics and defers to
// Fallback for everything else.
type PerCharacteristic struct {
	Fallback  Policy
	overrides map[string]Kind
}

// NewPerCharacteristic builds an override policy. Keys are characteristic UUIDs in any
// accepted spelling. A nil fallback means Printable.
func NewPerCharacteristic(fallback Policy, overrides map[string]Kind) *PerCharacteristic {
	if fallback == nil {
		fallback = Printable
	}
	p := &PerCharacteristic{Fallback: fallback, overrides: make(map[string]Kind, len(overrides))}
	for uuid, kind := range overrides {
		p.overrides[device.NormalizeUUID(uuid)] = kind
	}
	return p
}

func (p *PerCharacteristic) Classify(charUUID string, data []byte) Kind {
	if kind, ok := p.overrides[device.NormalizeUUID(charUUID)]; ok {
		return kind
	}
	return p.Fallback.Classify(charUUID, data)
}

// FromOverrides builds a policy from textual overrides such as those found in the
// configuration file (uuid -> "text"|"hex"). An empty map yields Printable.
func FromOverrides(overrides map[string]string) (Policy, error) {
	if len(overrides) == 0 {
		return Printable, nil
	}
	kinds := make(map[string]Kind, len(overrides))
	for uuid, s := range overrides {
		if _, err := device.ValidateUUID(uuid); err != nil {
			return nil, err
		}
		kind, err := ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("override for %s: %w", uuid, err)
		}
		kinds[uuid] = kind
	}
	return NewPerCharacteristic(Printable, kinds), nil
}
