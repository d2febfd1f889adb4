package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Float(1.5)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"a":  Int(1),
		"A":  Int(2),
		"aa": Int(3),
		"aA": Int(4),
		"Aa": Int(5),
		"AA": Int(6),
	}

	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestCompareUTF16SupplementaryPlane(t *testing.T) {
	// U+FF61 is one UTF-16 unit (0xFF61); U+10000 is a surrogate pair
	// starting 0xD800. UTF-8 byte order puts U+FF61 first, UTF-16 does not.
	assert.Equal(t, 1, CompareUTF16("｡", "\U00010000"))
	assert.Equal(t, -1, CompareUTF16("\U00010000", "｡"))
	assert.Equal(t, 0, CompareUTF16("same", "same"))
	assert.Equal(t, -1, CompareUTF16("ab", "abc"))
}

func TestMarshalDeterministic(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Array{Float(1.5), Null{}, Bool(false)},
		"mid":   Object{"b": String("x"), "a": Int(-3)},
	}

	first, err := Marshal(obj)
	require.NoError(t, err)
	second, err := Marshal(obj)
	require.NoError(t, err)

	assert.Equal(t, `{"alpha":[1.5,null,false],"mid":{"a":-3,"b":"x"},"zebra":1}`, string(first))
	assert.Equal(t, first, second)
}

func TestMarshalRejectsNaN(t *testing.T) {
	_, err := Marshal(Array{Float(nan())})
	assert.Error(t, err)
}

func TestParseNumbers(t *testing.T) {
	v, err := Parse([]byte(`{"i": 7, "f": 2.5, "big": 1e300, "neg": -12}`))
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Int(7), obj["i"])
	assert.Equal(t, Float(2.5), obj["f"])
	assert.Equal(t, Float(1e300), obj["big"])
	assert.Equal(t, Int(-12), obj["neg"])
}

func TestObjectJSONRoundTripThroughStdlib(t *testing.T) {
	type envelope struct {
		Record Object `json:"record"`
		Keys   Array  `json:"keys"`
	}
	in := envelope{
		Record: Object{"id": String("m1"), "sent": Int(1700000000000)},
		Keys:   Array{Int(1), String("two")},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out envelope
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, Equal(in.Record, out.Record))
	assert.True(t, Equal(in.Keys, out.Keys))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(3), Float(3)))
	assert.False(t, Equal(Int(3), String("3")))
	assert.True(t, Equal(Object{"a": Array{Int(1)}}, Object{"a": Array{Float(1)}}))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"b": Int(1)}))
	assert.True(t, Equal(Null{}, Null{}))
	assert.False(t, Equal(nil, Null{}))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(Null{}))
	assert.False(t, Truthy(String("")))
	assert.False(t, Truthy(Int(0)))
	assert.True(t, Truthy(String("abc-1")))
	assert.True(t, Truthy(Object{}))
	assert.True(t, Truthy(Bool(true)))
}

func TestCloneIsDeep(t *testing.T) {
	orig := Object{"inner": Object{"n": Int(1)}, "list": Array{Int(1)}}
	cp := orig.Clone()
	cp["inner"].(Object)["n"] = Int(2)
	cp["list"].(Array)[0] = Int(9)

	assert.Equal(t, Int(1), orig["inner"].(Object)["n"])
	assert.Equal(t, Int(1), orig["list"].(Array)[0])
}

type sample struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func TestFromGoStruct(t *testing.T) {
	v, err := FromGo(sample{Name: "n", Count: 2, Tags: []string{"x"}})
	require.NoError(t, err)

	assert.Equal(t, Object{"name": String("n"), "count": Int(2), "tags": Array{String("x")}}, v)
}

func TestFromGoCBORShapes(t *testing.T) {
	v, err := FromGo(map[any]any{"n": uint64(5), "list": []any{int64(-1), 2.5, nil}})
	require.NoError(t, err)

	assert.Equal(t, Object{"n": Int(5), "list": Array{Int(-1), Float(2.5), Null{}}}, v)

	_, err = FromGo(map[any]any{1: "x"})
	assert.Error(t, err)
}

func TestDecodeIntoStruct(t *testing.T) {
	var out sample
	err := Decode(Object{"name": String("n"), "count": Int(4)}, &out)
	require.NoError(t, err)
	assert.Equal(t, sample{Name: "n", Count: 4}, out)
}

func TestToGo(t *testing.T) {
	got := ToGo(Object{"a": Array{Int(1), Float(0.5), Null{}, Bool(true)}})
	assert.Equal(t, map[string]any{"a": []any{int64(1), 0.5, nil, true}}, got)
}
