package chartref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringAndParseRoundTrip(t *testing.T) {
	ref := New("door machine", "chart/42")
	uri := ref.String()

	parsed, err := Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not-a-uri",
		"xjog+chart:/",
		"xjog+chart:/onlymachine",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.ErrorIs(t, err, ErrInvalidURI, "input %q", c)
	}
}

func TestParseAcceptsHostForm(t *testing.T) {
	parsed, err := Parse("xjog+chart://localhost/door/42")
	require.NoError(t, err)
	assert.Equal(t, Ref{MachineID: "door", ChartID: "42"}, parsed)
}

func TestIsZero(t *testing.T) {
	assert.True(t, Ref{}.IsZero())
	assert.False(t, New("m", "c").IsZero())
}
