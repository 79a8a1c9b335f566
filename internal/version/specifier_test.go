package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolpin/internal/toolerr"
)

func TestParseVariants(t *testing.T) {
	tests := []struct {
		raw  string
		kind SpecKind
	}{
		{"1.2.3", KindExact},
		{"v20.11.0", KindExact},
		{"1.3.0-beta.1", KindExact},
		{"1.x", KindRange},
		{"20", KindRange},
		{"v20", KindRange},
		{"^1.22", KindRange},
		{">=1.0.0 <2.0.0", KindRange},
		{"x", KindRange},
		{"*", KindRange},
		{"latest", KindTag},
		{"LTS", KindTag},
		{"next", KindTag},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			spec, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, spec.Kind())
			assert.Equal(t, tt.raw, spec.String())
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "1.2.3.4.5", ">>1", "node!", "~>>2"} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, toolerr.ErrInvalidSpecifier, raw)
	}
}

func TestTagIsLowerCased(t *testing.T) {
	tag, ok := MustParse("LTS").Tag()
	require.True(t, ok)
	assert.Equal(t, TagLTS, tag)
}

func TestHighestSkipsPrereleaseUnlessRequested(t *testing.T) {
	available := []string{"1.2.0", "1.3.0", "1.3.0-beta.1", "2.0.0"}

	got, ok := MustParse("1.x").Highest(available)
	require.True(t, ok)
	assert.Equal(t, "1.3.0", Canonical(got))

	got, ok = MustParse("~1.3.0-beta.0").Highest([]string{"1.2.0", "1.3.0-beta.1"})
	require.True(t, ok)
	assert.Equal(t, "1.3.0-beta.1", Canonical(got))

	got, ok = MustParse("1.3.0-beta.1").Highest(available)
	require.True(t, ok)
	assert.Equal(t, "1.3.0-beta.1", Canonical(got))

	_, ok = MustParse("^3").Highest(available)
	assert.False(t, ok)
}

func TestHighestExact(t *testing.T) {
	got, ok := MustParse("v1.2.0").Highest([]string{"1.2.0", "not-a-version", "2.0.0"})
	require.True(t, ok)
	assert.Equal(t, "1.2.0", Canonical(got))
}

func TestSortOrdersByPrecedence(t *testing.T) {
	versions := []string{"2.0.0", "1.10.0", "1.3.0-beta.1", "1.3.0", "1.2.0"}
	Sort(versions)
	assert.Equal(t, []string{"1.2.0", "1.3.0-beta.1", "1.3.0", "1.10.0", "2.0.0"}, versions)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest("Node@^20")
	require.NoError(t, err)
	assert.Equal(t, "node", req.Tool)
	assert.Equal(t, KindRange, req.Spec.Kind())

	req, err = ParseRequest("yarn")
	require.NoError(t, err)
	tag, _ := req.Spec.Tag()
	assert.Equal(t, TagLatest, tag)

	_, err = ParseRequest("@1.0.0")
	assert.ErrorIs(t, err, toolerr.ErrInvalidSpecifier)

	_, err = ParseRequest("node@")
	assert.ErrorIs(t, err, toolerr.ErrInvalidSpecifier)
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("v20.11.0")
	require.NoError(t, err)
	assert.Equal(t, "20.11.0", got)

	_, err = Normalize("banana")
	assert.Error(t, err)
}
