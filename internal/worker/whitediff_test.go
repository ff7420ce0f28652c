package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diff(t *testing.T, output, correct string) bool {
	t.Helper()
	equal, err := whiteDiff(strings.NewReader(output), strings.NewReader(correct))
	require.NoError(t, err)
	return equal
}

func TestWhiteDiff_Identical(t *testing.T) {
	assert.True(t, diff(t, "1 2 3\n4 5\n", "1 2 3\n4 5\n"))
}

func TestWhiteDiff_WhitespaceOnlyDifferences(t *testing.T) {
	assert.True(t, diff(t, "1  2\t3\n", "1 2 3\n"))
	assert.True(t, diff(t, "  1 2 3  \n", "1 2 3\n"))
	assert.True(t, diff(t, "1 2 3", "1 2 3\n"))
	assert.True(t, diff(t, "1 2 3\r\n", "1 2 3\n"))
}

func TestWhiteDiff_TrailingBlankLines(t *testing.T) {
	assert.True(t, diff(t, "42\n\n\n", "42\n"))
	assert.True(t, diff(t, "42\n", "42\n \t\n"))
}

func TestWhiteDiff_Different(t *testing.T) {
	assert.False(t, diff(t, "1 2 3\n", "1 2 4\n"))
	assert.False(t, diff(t, "12 3\n", "1 2 3\n"))
	assert.False(t, diff(t, "42\nextra\n", "42\n"))
	assert.False(t, diff(t, "", "42\n"))
}

func TestWhiteDiff_TrailingNonASCIIIsNotBlank(t *testing.T) {
	// U+0120's low byte is 0x20; it must not be mistaken for a space.
	assert.False(t, diff(t, "42\nĠ\n", "42\n"))
	assert.False(t, diff(t, "42\n", "42\nĠ\n"))
}

func TestWhiteDiff_EmptyFiles(t *testing.T) {
	assert.True(t, diff(t, "", ""))
	assert.True(t, diff(t, "\n \n", ""))
}

func TestWhiteDiffStep(t *testing.T) {
	outcome, text, err := whiteDiffStep(strings.NewReader("ok\n"), strings.NewReader("ok\n"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, outcome)
	assert.Equal(t, []string{msgSuccess}, text)

	outcome, text, err = whiteDiffStep(strings.NewReader("no\n"), strings.NewReader("ok\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, outcome)
	assert.Equal(t, []string{msgWrong}, text)
}
