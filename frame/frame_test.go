package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionOf(t *testing.T) {
	assert.Equal(t, "notes", CollectionOf("capsule://notes/daily/2024.md"))
	assert.Equal(t, "notes", CollectionOf("capsule://notes/x"))
	assert.Equal(t, "feedback", CollectionOf("capsule://feedback/123"))
	assert.Equal(t, "plain", CollectionOf("plain/path"))
	assert.Equal(t, "bare", CollectionOf("bare"))
	assert.Equal(t, "", CollectionOf("capsule:///orphan"))
}

func TestComputeChecksumDeterministic(t *testing.T) {
	md := Metadata{"b": "2", "a": "1", "title": "x"}

	first := ComputeChecksum([]byte("body"), md)
	second := ComputeChecksum([]byte("body"), Metadata{"title": "x", "a": "1", "b": "2"})
	assert.Equal(t, first, second)

	changedBody := ComputeChecksum([]byte("other"), md)
	assert.NotEqual(t, first, changedBody)

	changedMeta := ComputeChecksum([]byte("body"), Metadata{"a": "1", "b": "2", "title": "y"})
	assert.NotEqual(t, first, changedMeta)
}

func TestChecksumMetadataBoundaries(t *testing.T) {
	// Key/value concatenation must not be ambiguous.
	a := ComputeChecksum(nil, Metadata{"ab": "c"})
	b := ComputeChecksum(nil, Metadata{"a": "bc"})
	assert.NotEqual(t, a, b)
}

func TestMetadataRoundTrip(t *testing.T) {
	md := Metadata{"title": "Hello", "lang": "en"}

	data, err := MarshalMetadata(md)
	require.NoError(t, err)

	got, err := UnmarshalMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, md, got)

	empty, err := MarshalMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	none, err := UnmarshalMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStatusRoundTrip(t *testing.T) {
	assert.Equal(t, StatusActive, StatusFromString(StatusActive.String()))
	assert.Equal(t, StatusTombstoned, StatusFromString(StatusTombstoned.String()))
}

func TestMetadataClone(t *testing.T) {
	md := Metadata{"k": "v"}
	clone := md.Clone()
	clone["k"] = "changed"
	assert.Equal(t, "v", md["k"])

	assert.Nil(t, Metadata(nil).Clone())
}
