//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value of that key.
const PresencePlaceholder = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	NilToEmptyArray          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoreArrayOrder         bool     `default:"false"`
	IgnoredFields            []string `default:""`
}

// JSONOption configures a JSONAsserter.
type JSONOption func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithNilToEmptyArray(normalize bool) JSONOption {
	return func(o *JSONAssertOptions) { o.NilToEmptyArray = normalize }
}

func WithAllowPresencePlaceholder(allow bool) JSONOption {
	return func(o *JSONAssertOptions) { o.AllowPresencePlaceholder = allow }
}

func WithIgnoreArrayOrder(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// WithIgnoredFields drops keys with these names at every depth on both sides.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents structurally and reports a gojsondiff diff.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// AssertValue marshals v and compares it against expectedJSON.
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) bool {
	return ja.Assert(MustJSON(v), expectedJSON)
}

// Diff returns "" when the documents match under the configured options.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	if isArray(expected) && isArray(actual) {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	if len(ja.options.IgnoredFields) > 0 {
		ignored := make(map[string]bool, len(ja.options.IgnoredFields))
		for _, f := range ja.options.IgnoredFields {
			ignored[f] = true
		}
		dropFields(expected, ignored)
		dropFields(actual, ignored)
	}
	// ignored fields must be gone before sorting, they would change the order
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	ja.align(expected, actual)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// align walks both documents and applies placeholders, nil array normalization and
// extra key pruning in place.
func (ja *JSONAsserter) align(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, keep := exp[k]; !keep {
					delete(act, k)
				}
			}
		}
		for k, ev := range exp {
			av, present := act[k]
			if s, ok := ev.(string); ok && s == PresencePlaceholder && ja.options.AllowPresencePlaceholder {
				if present {
					exp[k] = av
				}
				continue
			}
			if ja.options.NilToEmptyArray && nilOrEmptyArray(ev) && nilOrEmptyArray(av) {
				exp[k], act[k] = []any{}, []any{}
				continue
			}
			ja.align(ev, av)
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i >= len(act) {
				break
			}
			if s, ok := exp[i].(string); ok && s == PresencePlaceholder && ja.options.AllowPresencePlaceholder {
				exp[i] = act[i]
				continue
			}
			ja.align(exp[i], act[i])
		}
	}
}

func nilOrEmptyArray(v any) bool {
	if v == nil {
		return true
	}
	arr, ok := v.([]any)
	return ok && len(arr) == 0
}

func dropFields(v any, ignored map[string]bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if ignored[k] {
				delete(t, k)
				continue
			}
			dropFields(child, ignored)
		}
	case []any:
		for _, child := range t {
			dropFields(child, ignored)
		}
	}
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(v any) {
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			sortArrays(child)
		}
	case []any:
		for _, child := range t {
			sortArrays(child)
		}
		sort.Slice(t, func(i, j int) bool {
			return MustJSON(t[i]) < MustJSON(t[j])
		})
	}
}
