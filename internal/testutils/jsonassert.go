package testutils

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blemsg/internal/device"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value, as long as the key exists.
const PresencePlaceholder = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool `default:"true"`
	NilToEmptyArray          bool `default:"true"`
	AllowPresencePlaceholder bool `default:"true"`
	IgnoreArrayOrder         bool `default:"false"`
	IgnoredFields            []string
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// WithIgnoredFields drops the named keys, at any depth, from both sides.
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// JSONAsserter compares JSON documents structurally and reports a gojsondiff listing.
//
//	testutils.NewJSONAsserter(t).
//	    WithOptions(testutils.WithIgnoredFields("last_seen")).
//	    AssertDevice(dev, `{"address": "AA:BB:CC:DD:EE:FF", "rssi": "<<PRESENCE>>"}`)
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

func (ja *JSONAsserter) AssertDevice(dev device.Device, expectedJSON string) {
	ja.t.Helper()
	ja.Assert(MustJSON(dev), expectedJSON)
}

func (ja *JSONAsserter) AssertCatalog(catalog device.Catalog, expectedJSON string) {
	ja.t.Helper()
	ja.Assert(MustJSON(catalog), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root.
	expected = map[string]any{"root": expected}
	actual = map[string]any{"root": actual}

	// Ignored fields go first: they must not influence array sorting.
	expected = ja.normalize(expected, nil)
	actual = ja.normalize(actual, expected)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(d)
	return out
}

// normalize rewrites v according to the options. With a non-nil ref, v is the actual
// document and is shaped after ref: extra keys pruned, placeholders copied, nil arrays
// matched.
func (ja *JSONAsserter) normalize(v, ref any) any {
	switch val := v.(type) {
	case map[string]any:
		refMap, _ := ref.(map[string]any)
		for k, child := range val {
			if slices.Contains(ja.options.IgnoredFields, k) {
				delete(val, k)
				continue
			}
			if refMap == nil {
				val[k] = ja.normalize(child, nil)
				continue
			}
			refChild, ok := refMap[k]
			if !ok {
				if ja.options.IgnoreExtraKeys {
					delete(val, k)
				}
				continue
			}
			if ja.options.AllowPresencePlaceholder && refChild == PresencePlaceholder {
				refMap[k] = child
				continue
			}
			if ja.options.NilToEmptyArray && isEmptyArray(refChild) && child == nil {
				val[k] = []any{}
				continue
			}
			val[k] = ja.normalize(child, refChild)
		}
		return val
	case []any:
		refList, _ := ref.([]any)
		if ja.options.IgnoreArrayOrder {
			sort.SliceStable(val, func(i, j int) bool { return MustJSON(val[i]) < MustJSON(val[j]) })
		}
		for i := range val {
			var r any
			if i < len(refList) {
				r = refList[i]
			}
			val[i] = ja.normalize(val[i], r)
		}
		return val
	default:
		return v
	}
}

func isEmptyArray(v any) bool {
	a, ok := v.([]any)
	return ok && len(a) == 0
}
