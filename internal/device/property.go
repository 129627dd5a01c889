package device

import (
	"fmt"
	"strings"
)

// Properties is the GATT characteristic property bitfield, in the platform encoding.
type Properties uint8

const (
	PropBroadcast       Properties = 0x01
	PropRead            Properties = 0x02
	PropWriteNoResponse Properties = 0x04
	PropWrite           Properties = 0x08
	PropNotify          Properties = 0x10
	PropIndicate        Properties = 0x20
	PropSignedWrite     Properties = 0x40
	PropExtended        Properties = 0x80
)

var propertyNames = []struct {
	flag Properties
	name string
}{
	{PropBroadcast, "BROADCAST"},
	{PropRead, "READ"},
	{PropWriteNoResponse, "WRITE_NO_RESPONSE"},
	{PropWrite, "WRITE"},
	{PropNotify, "NOTIFY"},
	{PropIndicate, "INDICATE"},
	{PropSignedWrite, "SIGNED_WRITE"},
	{PropExtended, "EXTENDED"},
}

// Has reports whether every bit of flag is set.
func (p Properties) Has(flag Properties) bool {
	return flag != 0 && p&flag == flag
}

// CanWrite reports whether the characteristic accepts any kind of write.
func (p Properties) CanWrite() bool {
	return p&(PropWrite|PropWriteNoResponse) != 0
}

// CanNotify reports whether the characteristic pushes values by notification or indication.
func (p Properties) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// WriteMode selects the write type: with response whenever supported, otherwise without.
func (p Properties) WriteMode() WriteMode {
	if p.Has(PropWrite) || !p.Has(PropWriteNoResponse) {
		return WriteWithResponse
	}
	return WriteWithoutResponse
}

// String joins the names of the set flags in bit order, e.g. "READ, NOTIFY".
func (p Properties) String() string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.flag) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ", ")
}

// ParseProperties accepts a comma separated list of property names in any case, using
// either the canonical names or the short forms "write-nr" and "writenoresponse".
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		name := strings.ToUpper(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		switch name {
		case "WRITE-NR", "WRITENORESPONSE", "WRITE_WITHOUT_RESPONSE":
			name = "WRITE_NO_RESPONSE"
		}

		found := false
		for _, pn := range propertyNames {
			if pn.name == name {
				p |= pn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", strings.TrimSpace(part))
		}
	}
	return p, nil
}

// MarshalText implements encoding.TextMarshaler
func (p Properties) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Properties) UnmarshalText(text []byte) error {
	parsed, err := ParseProperties(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
