package sourcepre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSite_NormalSite(t *testing.T) {
	t.Parallel()

	s, err := parseSite("3:10:2:10:9")
	require.NoError(t, err)
	assert.False(t, s.external)
	assert.Equal(t, 3, s.scriptID)
	assert.Equal(t, 10, s.startLine)
	assert.Equal(t, 2, s.startCol)
	assert.Equal(t, 10, s.endLine)
	assert.Equal(t, 9, s.endCol)
}

func TestParseSite_ExternalSite(t *testing.T) {
	t.Parallel()

	s, err := parseSite("E:Array.prototype.map:c")
	require.NoError(t, err)
	assert.True(t, s.external)
	assert.Equal(t, "Array.prototype.map", s.funcName)
}

func TestParseSite_ExternalSiteWithoutCallFlag(t *testing.T) {
	t.Parallel()

	s, err := parseSite("E:parseInt")
	require.NoError(t, err)
	assert.True(t, s.external)
	assert.Equal(t, "parseInt", s.funcName)
}

func TestParseSite_MalformedSite_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := parseSite("not-a-site")
	require.Error(t, err)
}
