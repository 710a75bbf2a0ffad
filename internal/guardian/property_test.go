package guardian

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCacheKeyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("key depends on every value exactly", prop.ForAll(
		func(key, a, b string) bool {
			ka := CacheKey("exec", map[string]any{key: a})
			kb := CacheKey("exec", map[string]any{key: b})
			return (a == b) == (ka == kb)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("key ignores insertion order", prop.ForAll(
		func(k1, k2, v1, v2 string) bool {
			if k1 == k2 {
				return true
			}
			m1 := map[string]any{}
			m1[k1] = v1
			m1[k2] = v2
			m2 := map[string]any{}
			m2[k2] = v2
			m2[k1] = v1
			return CacheKey("write", m1) == CacheKey("write", m2)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
