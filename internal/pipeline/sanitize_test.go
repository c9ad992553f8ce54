package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Machine Learning", "machine_learning"},
		{"  CI/CD Pipelines  ", "cicd_pipelines"},
		{"what's new?", "whats_new"},
		{"multi - part -- name", "multi_part_name"},
		{"tabs\there", "tabs_here"},
		{"...dots...", "dots"},
		{`quotes "and" <angles>`, "quotes_and_angles"},
		{"already_clean", "already_clean"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeName(tc.in, 50), "input %q", tc.in)
	}
}

func TestSanitizeNameClampsAtWordBoundary(t *testing.T) {
	got := SanitizeName("distributed systems consensus algorithms explained", 30)
	assert.LessOrEqual(t, len(got), 30)
	assert.False(t, strings.HasSuffix(got, "_"))
	assert.Equal(t, "distributed_systems_consensus", got)
}

func TestSanitizeNameHardClampWhenNoBoundary(t *testing.T) {
	got := SanitizeName(strings.Repeat("a", 80), 50)
	assert.Len(t, got, 50)
}

func TestSanitizeNameDoesNotSplitRunes(t *testing.T) {
	got := SanitizeName(strings.Repeat("é", 40), 51)
	assert.True(t, len(got) <= 51)
	for _, r := range got {
		assert.NotEqual(t, rune(0xFFFD), r)
	}
}

func TestSanitizeNameStripsControlChars(t *testing.T) {
	assert.Equal(t, "linebreak", SanitizeName("line\x00break\n", 50))
}
