package sourcepre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDict_DecodeLine_DictionaryDefineAndReference(t *testing.T) {
	t.Parallel()

	d := newDict()

	bodies, err := d.decodeLine("L|5|c;1:1:1:1:5;1:2:1:2:5;foo")
	require.NoError(t, err)
	require.Equal(t, []string{"c;1:1:1:1:5;1:2:1:2:5;foo"}, bodies)

	bodies, err = d.decodeLine("5")
	require.NoError(t, err)
	assert.Equal(t, []string{"c;1:1:1:1:5;1:2:1:2:5;foo"}, bodies)
}

func TestDict_DecodeLine_DeltaLetterReference(t *testing.T) {
	t.Parallel()

	d := newDict()

	_, err := d.decodeLine("L|10|e;1:1:1:1:5")
	require.NoError(t, err)

	// 'j' is delta zero: re-references id 10.
	bodies, err := d.decodeLine("j")
	require.NoError(t, err)
	assert.Equal(t, []string{"e;1:1:1:1:5"}, bodies)

	// 'k' is +1: references id 11, which does not exist yet.
	_, err = d.decodeLine("k")
	require.Error(t, err)
}

func TestDict_DecodeLine_SuffixAppend(t *testing.T) {
	t.Parallel()

	d := newDict()

	_, err := d.decodeLine("L|1|g;1:1:1:1:5;7")
	require.NoError(t, err)

	bodies, err := d.decodeLine("1|prop")
	require.NoError(t, err)
	assert.Equal(t, []string{"g;1:1:1:1:5;7;prop"}, bodies)
}

func TestDict_DecodeLine_MultipleRecordsConcatenated(t *testing.T) {
	t.Parallel()

	d := newDict()

	_, err := d.decodeLine("L|1|e;1:1:1:1:5 L|2|e;2:1:2:1:5")
	require.NoError(t, err)

	bodies, err := d.decodeLine("1 2")
	require.NoError(t, err)
	assert.Equal(t, []string{"e;1:1:1:1:5", "e;2:1:2:1:5"}, bodies)
}

func TestDict_DecodeLine_SuffixOnNonFinalToken_ReturnsError(t *testing.T) {
	t.Parallel()

	d := newDict()

	_, err := d.decodeLine("L|1|e;1:1:1:1:5")
	require.NoError(t, err)

	_, err = d.decodeLine("1|bad 1")
	require.Error(t, err)
}

func TestDict_Clone_IsIndependent(t *testing.T) {
	t.Parallel()

	d := newDict()
	_, err := d.decodeLine("L|1|e;1:1:1:1:5")
	require.NoError(t, err)

	c := d.clone()
	_, err = c.decodeLine("L|2|e;2:1:2:1:5")
	require.NoError(t, err)

	_, err = d.decodeLine("2")
	require.Error(t, err, "original dictionary must not see clone's later entries")
}

func TestParseRecord_SplitsKindAndFields(t *testing.T) {
	t.Parallel()

	rec, err := parseRecord("c;1:1:1:1:5;2:1:2:1:5;myFunc")
	require.NoError(t, err)
	assert.Equal(t, recCall, rec.kind)
	assert.Equal(t, []string{"1:1:1:1:5", "2:1:2:1:5", "myFunc"}, rec.fields)
}
