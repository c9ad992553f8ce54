package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestExtractJSONBare(t *testing.T) {
	got, ok := extractJSON(`{"a": 1}`)
	require.True(t, ok)
	assert.Equal(t, `{"a": 1}`, got)
}

func TestExtractJSONFenced(t *testing.T) {
	in := "Here is the result:\n```json\n{\"main_category\": \"ai\"}\n```\nDone."
	got, ok := extractJSON(in)
	require.True(t, ok)
	assert.Equal(t, `{"main_category": "ai"}`, got)
}

func TestExtractJSONFencedNoTag(t *testing.T) {
	got, ok := extractJSON("```\n{\"x\": true}\n```")
	require.True(t, ok)
	assert.Equal(t, `{"x": true}`, got)
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	got, ok := extractJSON(`Sure! The answer is {"a": {"b": 2}} as requested.`)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": 2}}`, got)
}

func TestExtractJSONRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "no json here", "{broken", "[1, 2, 3]"} {
		_, ok := extractJSON(in)
		assert.False(t, ok, "input %q", in)
	}
}

func TestEnsureStringJoinsLists(t *testing.T) {
	v := gjson.Parse(`["first paragraph", " ", "second paragraph"]`)
	assert.Equal(t, "first paragraph\n\nsecond paragraph", ensureString(v))
}

func TestEnsureStringPassesStrings(t *testing.T) {
	assert.Equal(t, "plain", ensureString(gjson.Parse(`"  plain  "`)))
}

func TestEnsureStringsWrapsBareString(t *testing.T) {
	assert.Equal(t, []string{"single"}, ensureStrings(gjson.Parse(`"single"`)))
}
