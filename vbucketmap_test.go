package kvcollectionsx

import (
	"testing"

	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vbucketMapTest struct {
	input  []byte
	output uint16
}

func executeVbucketMapTests(t *testing.T, tests []vbucketMapTest, numVbuckets uint16) {
	vbMap, err := NewVbucketMap(numVbuckets)
	require.NoError(t, err)

	for _, tc := range tests {
		assert.Equal(t, tc.output, vbMap.VbucketByKey(tc.input), "key: %q", tc.input)
	}
}

var vbucketMapTestKeys = [][]byte{
	{0},
	{0, 1, 2, 3, 4, 5, 6, 7},
	[]byte("hello"),
	[]byte("hello world, I am a super long key lets see if it works"),
}

func TestVbucketMapWith0Vbs(t *testing.T) {
	_, err := NewVbucketMap(0)
	assert.ErrorIs(t, err, enginex.ErrInvalidArguments)

	var vbMap VbucketMap
	assert.Equal(t, uint16(0), vbMap.VbucketByKey([]byte("hello")))
}

func TestVbucketMapWith1024Vbs(t *testing.T) {
	executeVbucketMapTests(t, []vbucketMapTest{
		{input: vbucketMapTestKeys[0], output: 0x0202},
		{input: vbucketMapTestKeys[1], output: 0x00aa},
		{input: vbucketMapTestKeys[2], output: 0x0210},
		{input: vbucketMapTestKeys[3], output: 0x03d4},
	}, 1024)
}

func TestVbucketMapWith64Vbs(t *testing.T) {
	executeVbucketMapTests(t, []vbucketMapTest{
		{input: vbucketMapTestKeys[0], output: 0x0002},
		{input: vbucketMapTestKeys[1], output: 0x002a},
		{input: vbucketMapTestKeys[2], output: 0x0010},
		{input: vbucketMapTestKeys[3], output: 0x0014},
	}, 64)
}

func TestVbucketMapWith48Vbs(t *testing.T) {
	executeVbucketMapTests(t, []vbucketMapTest{
		{input: vbucketMapTestKeys[0], output: 0x0012},
		{input: vbucketMapTestKeys[1], output: 0x000a},
		{input: vbucketMapTestKeys[2], output: 0x0010},
		{input: vbucketMapTestKeys[3], output: 0x0004},
	}, 48)
}

func TestVbucketMapWith13Vbs(t *testing.T) {
	executeVbucketMapTests(t, []vbucketMapTest{
		{input: vbucketMapTestKeys[0], output: 0x000c},
		{input: vbucketMapTestKeys[1], output: 0x0008},
		{input: vbucketMapTestKeys[2], output: 0x0008},
		{input: vbucketMapTestKeys[3], output: 0x0003},
	}, 13)

	vbMap, err := NewVbucketMap(13)
	require.NoError(t, err)
	assert.True(t, vbMap.IsValid(12))
	assert.False(t, vbMap.IsValid(13))
}
