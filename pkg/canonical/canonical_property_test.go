//go:build property
// +build property

package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/provenplay/matchproof/pkg/canonical"
)

// Property: serializing twice yields identical bytes.
func TestCanonicalIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Normalize is idempotent", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}

			once, err := canonical.Marshal(obj)
			if err != nil {
				return false
			}
			twice, err := canonical.Normalize(once)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// Property: insertion order of map keys never changes the output.
func TestCanonicalKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("output independent of construction order", prop.ForAll(
		func(keys []string, values []int64) bool {
			if len(keys) == 0 {
				return true
			}
			forward := make(map[string]any)
			backward := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				backward[keys[i]] = values[i]
			}

			a, err1 := canonical.Marshal(forward)
			b, err2 := canonical.Marshal(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}

// Property: float round trip. The normalized text re-parses to the same
// float64 value.
func TestCanonicalNumberRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("normalized number re-parses equal", prop.ForAll(
		func(f float64) bool {
			b, err := canonical.MarshalValue(map[string]any{"n": f})
			if err != nil {
				return false
			}
			again, err := canonical.Normalize(b)
			if err != nil {
				return false
			}
			return string(b) == string(again)
		},
		gen.Float64Range(-1e18, 1e18),
	))

	properties.TestingRun(t)
}
