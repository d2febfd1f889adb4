package value

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nan() float64 { return math.NaN() }

func TestValidateKey(t *testing.T) {
	valid := []Value{Int(1), Float(-2.5), String(""), Array{}, Array{Int(1), Array{String("x")}}}
	for _, v := range valid {
		assert.NoError(t, ValidateKey(v), "%#v", v)
	}

	invalid := []Value{nil, Null{}, Bool(true), Object{}, Float(nan()), Array{Bool(false)}}
	for _, v := range invalid {
		err := ValidateKey(v)
		assert.ErrorIs(t, err, ErrInvalidKey, "%#v", v)
	}
}

func TestEncodeKeyOrdering(t *testing.T) {
	// Listed in ascending key order.
	ordered := []Value{
		Float(math.Inf(-1)),
		Int(-100),
		Float(-1.5),
		Int(0),
		Float(0.25),
		Int(1),
		Int(12),
		Float(1e20),
		String(""),
		String("A"),
		String("a"),
		String("ab"),
		String("b"),
		Array{},
		Array{Int(1)},
		Array{Int(1), Int(2)},
		Array{Int(1), String("a")},
		Array{Int(2)},
		Array{String("a")},
	}

	encoded := make([][]byte, len(ordered))
	for i, v := range ordered {
		enc, err := EncodeKey(v)
		require.NoError(t, err)
		encoded[i] = enc
	}

	for i := 1; i < len(encoded); i++ {
		assert.Equal(t, -1, bytes.Compare(encoded[i-1], encoded[i]),
			"expected %#v < %#v", ordered[i-1], ordered[i])
	}

	reversed := make([][]byte, 0, len(encoded))
	for i := len(encoded) - 1; i >= 0; i-- {
		reversed = append(reversed, encoded[i])
	}
	sort.Slice(reversed, func(i, j int) bool { return bytes.Compare(reversed[i], reversed[j]) < 0 })
	assert.Equal(t, encoded, reversed)
}

func TestEncodeKeyNegativeZero(t *testing.T) {
	pos, err := EncodeKey(Float(0))
	require.NoError(t, err)
	neg, err := EncodeKey(Float(math.Copysign(0, -1)))
	require.NoError(t, err)
	assert.Equal(t, pos, neg)
}

func TestDecodeKeyRoundTrip(t *testing.T) {
	keys := []Value{
		Int(42),
		Int(-7),
		Float(3.25),
		String("héllo \U0001F600"),
		String(""),
		Array{String("thread-1"), Int(1700000000000)},
		Array{Array{Int(1)}, String("x")},
	}
	for _, k := range keys {
		enc, err := EncodeKey(k)
		require.NoError(t, err)
		dec, err := DecodeKey(enc)
		require.NoError(t, err)
		assert.True(t, Equal(k, dec), "round trip %#v -> %#v", k, dec)
	}
}

func TestDecodeKeyMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {0x10, 0x01}, {0x30, 0x01, 0x00}, {0x50}, {0x99}} {
		_, err := DecodeKey(data)
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
}

func TestCompareKeys(t *testing.T) {
	c, err := CompareKeys(Int(5), Float(5))
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	c, err = CompareKeys(Int(99), String("1"))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	_, err = CompareKeys(Bool(true), Int(1))
	assert.Error(t, err)
}
