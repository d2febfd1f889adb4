package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ifgate/internal/value"
)

func TestDecode_LegacyPrecedence(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind string
	}{
		{"conditions win", `{"storeName":"s","conditions":{"a":1},"index":{"name":"i"},"range":[1,2],"sort":{"index":"i"}}`, "conditions"},
		{"index before range", `{"storeName":"s","index":{"name":"i"},"range":[1,2],"sort":{"index":"i"}}`, "index"},
		{"range before sort", `{"storeName":"s","range":[1,2],"sort":{"index":"i"}}`, "range"},
		{"sort", `{"storeName":"s","sort":{"index":"i","order":-1}}`, "sort"},
		{"nothing is a scan", `{"storeName":"s"}`, "scan"},
		{"null fields are absent", `{"storeName":"s","conditions":null,"index":null}`, "scan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mustDecode(t, tt.src)
			assert.Equal(t, "s", req.Store)
			assert.Equal(t, tt.kind, req.Spec.Kind())
		})
	}
}

func TestDecode_TaggedSelectsCase(t *testing.T) {
	req := mustDecode(t, `{"storeName":"s","type":"sort","conditions":{"a":1},"sort":{"index":"i","order":"DESC"}}`)
	assert.Equal(t, Sort{Index: "i", Order: Desc}, req.Spec)

	req = mustDecode(t, `{"storeName":"s","type":"scan","conditions":{"a":1}}`)
	assert.Equal(t, FullScan{}, req.Spec)

	_, err := Decode(mustParse(t, `{"storeName":"s","type":"range"}`))
	assert.ErrorContains(t, err, `requires field "range"`)

	_, err = Decode(mustParse(t, `{"storeName":"s","type":"bogus"}`))
	assert.ErrorContains(t, err, "unknown query type")
}

func TestDecode_Fields(t *testing.T) {
	req := mustDecode(t, `{
		"storeName": "messages",
		"index": {"name": "sent", "lower": 0, "upper": 10, "excludeUpper": true, "order": "desc"},
		"offset": 2,
		"limit": 5,
		"filter": {"command": "keep"}
	}`)
	assert.Equal(t, 2, req.Offset)
	assert.Equal(t, 5, req.Limit)
	assert.Equal(t, "keep", req.Filter)

	ib, ok := req.Spec.(IndexBound)
	require.True(t, ok)
	assert.Equal(t, "sent", ib.Name)
	assert.Equal(t, value.Int(0), ib.Lower, "zero is a bound, not absent")
	assert.Equal(t, value.Int(10), ib.Upper)
	assert.Nil(t, ib.Only)
	assert.False(t, ib.ExcludeLower)
	assert.True(t, ib.ExcludeUpper)
	assert.Equal(t, Desc, ib.Order)

	req = mustDecode(t, `{"storeName":"s","filter":"keep"}`)
	assert.Equal(t, "keep", req.Filter)
	assert.Equal(t, NoLimit, req.Limit, "absent limit")

	req = mustDecode(t, `{"storeName":"s","limit":null}`)
	assert.Equal(t, NoLimit, req.Limit)

	req = mustDecode(t, `{"storeName":"s","limit":0}`)
	assert.Equal(t, 0, req.Limit)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"not an object", `[1]`, "must be an object"},
		{"missing store", `{}`, "storeName"},
		{"negative offset", `{"storeName":"s","offset":-1}`, "offset"},
		{"fractional limit", `{"storeName":"s","limit":1.5}`, "limit"},
		{"bad filter", `{"storeName":"s","filter":3}`, "filter"},
		{"short range", `{"storeName":"s","range":[1]}`, "two-element"},
		{"index without name", `{"storeName":"s","index":{}}`, "index requires name"},
		{"conditions not object", `{"storeName":"s","conditions":[1,2]}`, "conditions must be an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(mustParse(t, tt.src))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
